package model

import "time"

// Source kinds recorded on attributed values.
const (
	SourceISO       = "iso639-3"
	SourceWikidata  = "wikidata"
	SourceGlottolog = "glottolog"
	SourceCLDR      = "cldr"
	SourceRule      = "rule"
	SourceDerived   = "derived"
)

// Attributed wraps an externally-derived value with where it came from and how
// much it is trusted. A record field of type *Attributed[T] is either nil or
// fully populated.
type Attributed[T any] struct {
	Value       T         `json:"value"`
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// Attribute builds a populated attributed value.
func Attribute[T any](value T, source string, confidence float64, at time.Time) *Attributed[T] {
	return &Attributed[T]{
		Value:       value,
		Source:      source,
		Confidence:  confidence,
		LastUpdated: at.UTC(),
	}
}

// ValueOf returns the wrapped value, or the zero value when a is nil.
func ValueOf[T any](a *Attributed[T]) T {
	if a == nil {
		var zero T
		return zero
	}
	return a.Value
}
