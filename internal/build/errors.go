package build

import (
	"errors"

	"github.com/rotisserie/eris"

	"github.com/omnilingual/langmeta/internal/cache"
	"github.com/omnilingual/langmeta/internal/merge"
	"github.com/omnilingual/langmeta/internal/resilience"
	"github.com/omnilingual/langmeta/pkg/wikidata"
)

// Error kinds recorded as "error:<kind>" in the skip registry.
const (
	KindTransient = "transient"
	KindMalformed = "malformed"
	KindReference = "reference"
	KindCache     = "cache"
	KindInternal  = "internal"
)

// ErrBatchTimeout is returned when a batch runs past its time budget.
var ErrBatchTimeout = eris.New("build: batch timed out")

// ErrLocked is returned when another run holds the output lock.
var ErrLocked = eris.New("build: output is locked by another run")

// ErrorKind classifies a batch failure.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, cache.ErrStore):
		return KindCache
	case errors.Is(err, wikidata.ErrMalformedResponse):
		return KindMalformed
	case resilience.IsTransient(err):
		return KindTransient
	case errors.Is(err, merge.ErrUnknownLanguage):
		return KindReference
	default:
		return KindInternal
	}
}
