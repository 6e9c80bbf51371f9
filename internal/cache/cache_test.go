package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/timmy/skiptrace/internal/cache"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/repository/repotest"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"param order", "https://x.example/search?name=Jane&age=31-45", "https://x.example/search?age=31-45&name=Jane", true},
		{"host case", "https://X.Example/search?name=jane", "https://x.example/search?name=jane", true},
		{"value case", "https://x.example/search?name=JANE", "https://x.example/search?name=jane", false},
		{"case-sensitive record id", "https://site.example/person?id=AbC9x", "https://site.example/person?id=abc9X", false},
		{"path case", "https://x.example/p/AbC", "https://x.example/p/abc", false},
		{"scheme case", "HTTPS://x.example/p/1", "https://x.example/p/1", true},
		{"fragment", "https://x.example/p/1#phones", "https://x.example/p/1", true},
		{"trailing slash", "https://x.example/p/1/", "https://x.example/p/1", false},
		{"different page", "https://x.example/search?name=jane&page=2", "https://x.example/search?name=jane", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := cache.NormalizeKey("peoplelookup", domain.UnitSearchPage, tt.a)
			kb := cache.NormalizeKey("peoplelookup", domain.UnitSearchPage, tt.b)
			if (ka == kb) != tt.same {
				t.Errorf("keys %q and %q: same = %v, want %v", ka, kb, ka == kb, tt.same)
			}
		})
	}

	search := cache.NormalizeKey("peoplelookup", domain.UnitSearchPage, "https://x.example/p/1")
	detail := cache.NormalizeKey("peoplelookup", domain.UnitDetailPage, "https://x.example/p/1")
	other := cache.NormalizeKey("phonebook", domain.UnitSearchPage, "https://x.example/p/1")
	if search == detail || search == other {
		t.Errorf("unit and source must be part of the key: %q %q %q", search, detail, other)
	}
}

func TestStore_GetPut(t *testing.T) {
	ctx := context.Background()
	store := cache.NewStore(repository.NewCacheRepository(repotest.Open(t)))

	if _, ok, err := store.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = (%v, %v)", ok, err)
	}

	if err := store.Put(ctx, "k", []byte("<html>page</html>"), time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != "<html>page</html>" {
		t.Fatalf("Get(k) = (%q, %v, %v)", got, ok, err)
	}

	if err := store.Put(ctx, "short", []byte("x"), time.Nanosecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := store.Get(ctx, "short"); ok {
		t.Error("Get(expired) hit, want miss")
	}

	n, err := store.Purge(ctx)
	if err != nil || n != 1 {
		t.Errorf("Purge() = (%d, %v), want (1, nil)", n, err)
	}
}
