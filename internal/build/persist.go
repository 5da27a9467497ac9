package build

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/omnilingual/langmeta/internal/fetcher"
	"github.com/omnilingual/langmeta/internal/model"
)

// Output is the persisted record map, held as generic JSON so existing
// records round-trip untouched.
type Output map[string]any

// Codes returns the record keys in sorted order.
func (o Output) Codes() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadOutput reads the record map at path. A missing file is an empty map.
func LoadOutput(path string) (Output, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Output{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "build: read output %s", path)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out Output
	if err := dec.Decode(&out); err != nil {
		return nil, eris.Wrapf(err, "build: parse output %s", path)
	}
	if out == nil {
		out = Output{}
	}
	return out, nil
}

// put stores rec under its code as generic JSON.
func (o Output) put(rec *model.Language) error {
	v, err := toGeneric(rec)
	if err != nil {
		return eris.Wrapf(err, "build: encode %s", rec.Code)
	}
	o[rec.Code] = v
	return nil
}

// toGeneric converts v to maps and slices so that encoding sorts every
// object's keys.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeJSON atomically replaces path with v, two-space indented, keeping
// non-ASCII text as UTF-8.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "build: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "build: create temp for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "build: encode %s", path)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "build: close temp for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "build: replace %s", path)
	}
	return nil
}

// LoadProgress reads the progress snapshot. ok is false when none exists.
func LoadProgress(path string) (p *model.Progress, ok bool, err error) {
	p, ok, err = fetcher.DecodeJSONFile[model.Progress](path)
	if err != nil {
		return nil, ok, eris.Wrap(err, "build: load progress")
	}
	return p, ok, nil
}

// LoadSkipRegistry reads the skip registry, returning an empty one when the
// file does not exist.
func LoadSkipRegistry(path string) (*model.SkipRegistry, error) {
	reg, ok, err := fetcher.DecodeJSONFile[model.SkipRegistry](path)
	if err != nil {
		return nil, eris.Wrap(err, "build: load skip registry")
	}
	if !ok || reg == nil {
		return &model.SkipRegistry{Batches: []model.SkipEntry{}}, nil
	}
	return reg, nil
}
