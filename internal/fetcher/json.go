package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"
)

// EachJSON decodes a top-level JSON array one element at a time and calls fn
// for each. Empty input is an empty array.
func EachJSON[T any](ctx context.Context, r io.Reader, fn func(T) error) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "json: read opening token")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return eris.Errorf("json: expected '[', got %v", tok)
	}

	for i := 0; dec.More(); i++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "json: decode cancelled")
		}
		var item T
		if err := dec.Decode(&item); err != nil {
			return eris.Wrapf(err, "json: decode element %d", i)
		}
		if err := fn(item); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "json: read closing token")
	}
	return nil
}

// DecodeJSONFile decodes the JSON document at path. A missing file is not an
// error: it returns (nil, false, nil).
func DecodeJSONFile[T any](path string) (*T, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "json: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var v T
	if err := json.NewDecoder(f).Decode(&v); err != nil {
		return nil, true, eris.Wrapf(err, "json: decode %s", path)
	}
	return &v, true, nil
}
