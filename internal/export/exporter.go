package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/storage"
)

// Result is a rendered export. URL is set when the CSV was uploaded.
type Result struct {
	Filename string
	Body     []byte
	URL      string
}

// Exporter renders task results and, when storage is configured, uploads
// them so clients can download from the bucket.
type Exporter struct {
	storage storage.ObjectStorage
	prefix  string
}

// NewExporter creates an exporter. store may be nil to disable uploads.
func NewExporter(store storage.ObjectStorage, prefix string) *Exporter {
	return &Exporter{storage: store, prefix: prefix}
}

// Export renders results of a settled task. Results never change after a
// task settles, so an object already in the bucket is reused.
func (e *Exporter) Export(ctx context.Context, task *domain.Task, results []domain.DetailResult) (*Result, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, results); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	out := &Result{
		Filename: fmt.Sprintf("task-%s.csv", task.ID),
		Body:     buf.Bytes(),
	}
	if e.storage == nil {
		return out, nil
	}

	key := path.Join(e.prefix, task.OwnerID, out.Filename)
	exists, err := e.storage.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := e.storage.Upload(ctx, key, bytes.NewReader(out.Body), int64(len(out.Body)), "text/csv"); err != nil {
			return nil, err
		}
		logger.With(logger.Fields{
			logger.FieldTaskID: task.ID,
			logger.FieldCount:  len(results),
		}).Info(ctx, "Uploaded export: key=%s", key)
	}
	if out.URL, err = e.storage.URL(ctx, key); err != nil {
		return nil, err
	}
	return out, nil
}
