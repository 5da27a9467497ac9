// Package universe loads the set of language codes to build and narrows it
// down by script and skip list.
package universe

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// Code is a parsed composite code such as hin_Deva or cmn_Hans_beij.
type Code struct {
	Base    string // ISO 639-3 identifier
	Script  string // ISO 15924 identifier
	Variant string // optional
}

// Parse splits raw on underscores into base, script and optional variant.
// Everything after the second underscore is the variant.
func Parse(raw string) (Code, error) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Code{}, eris.Errorf("universe: invalid code %q", raw)
	}
	c := Code{Base: parts[0], Script: parts[1]}
	if len(parts) == 3 {
		if parts[2] == "" {
			return Code{}, eris.Errorf("universe: invalid code %q: empty variant", raw)
		}
		c.Variant = parts[2]
	}
	return c, nil
}

// String reconstructs the composite code.
func (c Code) String() string {
	s := c.Base + "_" + c.Script
	if c.Variant != "" {
		s += "_" + c.Variant
	}
	return s
}

// Bases returns the distinct base identifiers of codes, sorted. Codes that do
// not parse are ignored.
func Bases(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	var out []string
	for _, raw := range codes {
		c, err := Parse(raw)
		if err != nil || seen[c.Base] {
			continue
		}
		seen[c.Base] = true
		out = append(out, c.Base)
	}
	slices.Sort(out)
	return out
}
