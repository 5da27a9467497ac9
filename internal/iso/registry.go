// Package iso loads the SIL ISO 639-3 code tables, downloading them once when
// they are not present locally.
package iso

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/fetcher"
)

const (
	CodesFile     = "iso-639-3.tab"
	NameIndexFile = "iso-639-3_Name_Index.tab"
)

// Options locates the registry files.
type Options struct {
	Dir          string
	CodesURL     string
	NameIndexURL string
}

// Entry is one row of the code table.
type Entry struct {
	ID           string
	Part2B       string
	Part2T       string
	Part1        string
	Scope        string
	LanguageType string
	RefName      string
	Comment      string

	// Names holds the print names from the name index, reference name first
	// when present.
	Names []string
}

// Registry is the loaded code table keyed by identifier.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry builds a registry from entries. Used by tests and callers that
// already hold the data.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		r.entries[e.ID] = &e
	}
	return r
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// EnglishName returns the reference name for id, or its first print name
// from the name index when the code table leaves it blank.
func (r *Registry) EnglishName(id string) (string, bool) {
	e, ok := r.Lookup(id)
	if !ok {
		return "", false
	}
	if e.RefName != "" {
		return e.RefName, true
	}
	if len(e.Names) > 0 {
		return e.Names[0], true
	}
	return "", false
}

// Len returns the number of identifiers.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Open downloads any missing registry file and loads the tables.
func Open(ctx context.Context, f fetcher.Fetcher, opts Options) (*Registry, error) {
	if err := EnsureFiles(ctx, f, opts); err != nil {
		return nil, err
	}
	return Load(ctx, opts.Dir)
}

// EnsureFiles downloads each registry file that does not exist yet. Existing
// files are never refreshed.
func EnsureFiles(ctx context.Context, f fetcher.Fetcher, opts Options) error {
	log := zap.L().With(zap.String("component", "iso"))

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "iso: create dir %s", opts.Dir)
	}

	for _, file := range []struct{ name, url string }{
		{CodesFile, opts.CodesURL},
		{NameIndexFile, opts.NameIndexURL},
	} {
		path := filepath.Join(opts.Dir, file.name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "iso: stat %s", path)
		}

		if file.url == "" {
			return eris.Errorf("iso: %s missing and no download url configured", path)
		}
		log.Info("downloading registry file", zap.String("file", file.name), zap.String("url", file.url))
		n, err := f.DownloadToFile(ctx, file.url, path)
		if err != nil {
			return eris.Wrapf(err, "iso: download %s", file.name)
		}
		log.Info("saved registry file", zap.String("path", path), zap.String("size", humanize.Bytes(uint64(n))))
	}
	return nil
}

// Load parses both registry files from dir.
func Load(ctx context.Context, dir string) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry)}

	err := readTable(ctx, filepath.Join(dir, CodesFile), func(row map[string]string) {
		id := row["Id"]
		if id == "" {
			return
		}
		r.entries[id] = &Entry{
			ID:           id,
			Part2B:       row["Part2b"],
			Part2T:       row["Part2t"],
			Part1:        row["Part1"],
			Scope:        row["Scope"],
			LanguageType: row["Language_Type"],
			RefName:      row["Ref_Name"],
			Comment:      row["Comment"],
		}
	})
	if err != nil {
		return nil, err
	}

	err = readTable(ctx, filepath.Join(dir, NameIndexFile), func(row map[string]string) {
		e, ok := r.entries[row["Id"]]
		if !ok || row["Print_Name"] == "" {
			return
		}
		e.Names = append(e.Names, row["Print_Name"])
	})
	if err != nil {
		return nil, err
	}

	zap.L().Debug("loaded iso registry", zap.Int("entries", len(r.entries)))
	return r, nil
}

// readTable streams a tab-separated file with a header row and calls fn with
// each row keyed by column name. Values are kept verbatim, so identifiers
// like "nan" stay strings.
func readTable(ctx context.Context, path string, fn func(map[string]string)) error {
	file, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "iso: open %s", path)
	}
	defer file.Close() //nolint:errcheck

	return parseTable(ctx, file, path, fn)
}

func parseTable(ctx context.Context, r io.Reader, name string, fn func(map[string]string)) error {
	err := fetcher.ReadTable(ctx, r, fetcher.TableOptions{}, func(row fetcher.Row) error {
		fn(row)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "iso: parse %s", name)
	}
	return nil
}
