// Package export renders persisted task results as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/timmy/skiptrace/internal/domain"
)

// Header is the fixed column layout of every export.
var Header = []string{
	"name", "age", "address", "city", "state", "zip",
	"phones", "carriers", "phone_types",
	"email", "marital_status", "deceased", "enriched", "source", "detail_url",
}

// listSep joins multi-valued phone columns; position i of each list column
// belongs to the same phone.
const listSep = "|"

// WriteCSV writes results with the fixed header.
func WriteCSV(w io.Writer, results []domain.DetailResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range results {
		numbers := make([]string, len(r.Phones))
		carriers := make([]string, len(r.Phones))
		types := make([]string, len(r.Phones))
		for i, ph := range r.Phones {
			numbers[i] = ph.Number
			carriers[i] = ph.Carrier
			types[i] = ph.Type
		}
		age := ""
		if r.Age > 0 {
			age = strconv.Itoa(r.Age)
		}
		row := []string{
			r.Name, age, r.Address, r.City, r.State, r.Zip,
			strings.Join(numbers, listSep), strings.Join(carriers, listSep), strings.Join(types, listSep),
			r.Email, r.MaritalStatus,
			strconv.FormatBool(r.Deceased), strconv.FormatBool(r.Enriched),
			r.Source, r.DetailURL,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses an export back into results. IDs, task IDs and timestamps
// are not part of the export and stay zero; Seq is the 1-based row number.
func ReadCSV(r io.Reader) ([]domain.DetailResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range Header {
		if head[i] != col {
			return nil, fmt.Errorf("unexpected column %d: %q, want %q", i, head[i], col)
		}
	}

	var out []domain.DetailResult
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		res, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		res.Seq = len(out) + 1
		out = append(out, res)
	}
	return out, nil
}

func parseRow(row []string) (domain.DetailResult, error) {
	res := domain.DetailResult{
		Name:          row[0],
		Address:       row[2],
		City:          row[3],
		State:         row[4],
		Zip:           row[5],
		Email:         row[9],
		MaritalStatus: row[10],
		Source:        row[13],
		DetailURL:     row[14],
	}
	var err error
	if row[1] != "" {
		if res.Age, err = strconv.Atoi(row[1]); err != nil {
			return res, fmt.Errorf("age: %w", err)
		}
	}
	if res.Deceased, err = strconv.ParseBool(row[11]); err != nil {
		return res, fmt.Errorf("deceased: %w", err)
	}
	if res.Enriched, err = strconv.ParseBool(row[12]); err != nil {
		return res, fmt.Errorf("enriched: %w", err)
	}

	if row[6] != "" {
		numbers := strings.Split(row[6], listSep)
		carriers := splitTo(row[7], len(numbers))
		types := splitTo(row[8], len(numbers))
		res.Phones = make(domain.PhoneList, len(numbers))
		for i, n := range numbers {
			res.Phones[i] = domain.Phone{Number: n, Carrier: carriers[i], Type: types[i]}
		}
	}
	return res, nil
}

func splitTo(s string, n int) []string {
	parts := strings.Split(s, listSep)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}
