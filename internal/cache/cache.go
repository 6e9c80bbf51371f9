// Package cache short-circuits billable fetches for pages seen recently.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/repository"
)

// Cache is a key to payload store with per-entry expiry.
type Cache interface {
	// Get returns the payload for key if present and not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores payload under key for ttl.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// NormalizeKey builds a stable cache key for one unit of work. Query
// parameters are sorted, scheme and host are lower-cased and fragments are
// dropped. Path and query values are kept as given: record ids on people
// sites are case-sensitive.
func NormalizeKey(source string, unit domain.UnitType, rawURL string) string {
	norm := strings.TrimSpace(rawURL)
	if u, err := url.Parse(norm); err == nil {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
		norm = u.String()
	}
	return fmt.Sprintf("%s:%s:%s", source, unit, norm)
}

// Store is a Cache backed by the page_cache table. Expiry is checked on read;
// nothing is evicted in the background.
type Store struct {
	repo *repository.CacheRepository
	now  func() time.Time
}

func NewStore(repo *repository.CacheRepository) *Store {
	return &Store{repo: repo, now: time.Now}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.repo.Get(ctx, key, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return entry.Payload, true, nil
}

func (s *Store) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := s.now()
	return s.repo.Put(ctx, &domain.CacheEntry{
		Key:       key,
		Payload:   payload,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
}

// Purge deletes expired rows. It is housekeeping only; reads never return
// expired payloads either way.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	if n > 0 {
		logger.With(logger.Fields{logger.FieldCount: n}).Info(ctx, "Purged expired cache entries")
	}
	return n, nil
}

// Nop never hits. Used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Nop) Put(context.Context, string, []byte, time.Duration) error { return nil }
