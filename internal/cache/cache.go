// Package cache stores raw source responses keyed by request identity so that
// re-runs do not hit the network for answers already seen.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Store is a key/value cache of response bodies.
type Store interface {
	// Get returns the cached body and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores body under key, replacing any previous value.
	Put(ctx context.Context, key string, body []byte) error
}

// ErrStore marks a failed read or write against a Store.
var ErrStore = eris.New("cache: store failure")

// StoreFailure wraps err so that errors.Is(result, ErrStore) holds.
func StoreFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// HashKey builds a cache key from a prefix and the SHA-256 of text.
func HashKey(prefix, text string) string {
	sum := sha256.Sum256([]byte(text))
	return prefix + hex.EncodeToString(sum[:])
}

// Options selects and configures a Store.
type Options struct {
	Driver string // file, sqlite, memory
	Dir    string // file driver
	Path   string // sqlite driver
}

// Open builds the Store described by opts. The returned close func releases
// any resources held by the store.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(opts.Driver) {
	case "", "file":
		st, err := NewFileStore(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	case "memory":
		return NewMemoryStore(), noop, nil
	case "sqlite":
		st, err := NewSQLiteStore(opts.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, eris.Errorf("cache: unknown driver %q", opts.Driver)
	}
}
