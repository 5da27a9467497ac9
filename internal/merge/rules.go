package merge

import (
	"slices"
	"strings"

	"github.com/omnilingual/langmeta/internal/model"
)

// Speaker thresholds for resource levels.
const (
	HighResourceSpeakers   = 50_000_000
	MediumResourceSpeakers = 1_000_000
)

// Rules holds the heuristics applied while merging.
type Rules struct {
	// FamilyMarkers are substrings that identify a family-level node in a
	// Glottolog classification chain.
	FamilyMarkers []string
	// RTLScripts are script identifiers written right to left.
	RTLScripts []string
	// PublicCoverage lists base identifiers with public corpora in addition
	// to community data.
	PublicCoverage []string
}

// DefaultRules returns the built-in heuristics.
func DefaultRules() Rules {
	return Rules{
		FamilyMarkers: []string{
			"Aryan", "Dravidian", "Sino-Tibetan", "Austroasiatic",
			"Indo-European", "Niger–Congo", "Afroasiatic", "Uralic",
			"Turkic", "Austronesian", "Iranian", "Romance", "Germanic",
			"Slavic", "Kartvelian", "Mande", "Nilotic",
		},
		RTLScripts: []string{"Arab"},
		PublicCoverage: []string{
			"hin", "ben", "tel", "mar", "tam", "urd", "guj",
			"kan", "mal", "pan", "ory", "asm", "nep",
		},
	}
}

// Family picks a family name from a classification chain ordered root first.
// The deepest node containing a marker wins; otherwise the parent of the
// leaf, or the only node.
func (r Rules) Family(chain []string) string {
	for i := len(chain) - 1; i >= 0; i-- {
		for _, marker := range r.FamilyMarkers {
			if strings.Contains(chain[i], marker) {
				return chain[i]
			}
		}
	}
	switch {
	case len(chain) >= 2:
		return chain[len(chain)-2]
	case len(chain) == 1:
		return chain[0]
	default:
		return ""
	}
}

// Direction returns the writing direction for a script identifier.
func (r Rules) Direction(script string) model.WritingDirection {
	if slices.Contains(r.RTLScripts, script) {
		return model.RightToLeft
	}
	return model.LeftToRight
}

// DataSource returns the corpus tier for a base identifier.
func (r Rules) DataSource(base string) model.DataSourceTier {
	if slices.Contains(r.PublicCoverage, base) {
		return model.DataSourceBoth
	}
	return model.DataSourceCommunity
}

// ResourceLevelFor buckets a speaker count. Unknown counts are low.
func ResourceLevelFor(speakers *int64) model.ResourceLevel {
	switch {
	case speakers == nil:
		return model.ResourceLow
	case *speakers >= HighResourceSpeakers:
		return model.ResourceHigh
	case *speakers >= MediumResourceSpeakers:
		return model.ResourceMedium
	default:
		return model.ResourceLow
	}
}
