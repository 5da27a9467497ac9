package universe

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ScriptFilter keeps codes whose script is in an allowed set. The zero value
// lets every script through.
type ScriptFilter struct {
	all     bool
	scripts map[string]bool
}

// ParseScriptFilter parses a comma-separated list of script identifiers. "*"
// or an empty list lets every script through.
func ParseScriptFilter(list string) ScriptFilter {
	list = strings.TrimSpace(list)
	if list == "" || list == "*" {
		return ScriptFilter{all: true}
	}
	f := ScriptFilter{scripts: make(map[string]bool)}
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			f.scripts[s] = true
		}
	}
	if len(f.scripts) == 0 {
		f.all = true
	}
	return f
}

// All reports whether the filter is a wildcard.
func (f ScriptFilter) All() bool {
	return f.all || f.scripts == nil
}

// Apply returns the codes that pass, in input order. Codes that do not parse
// are dropped with a warning.
func (f ScriptFilter) Apply(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, raw := range codes {
		c, err := Parse(raw)
		if err != nil {
			zap.L().Warn("skipping invalid code", zap.String("code", raw), zap.Error(err))
			continue
		}
		if f.All() || f.scripts[c.Script] {
			out = append(out, raw)
		}
	}
	return out
}

// SkipList holds codes or bare base identifiers that are never built.
type SkipList struct {
	entries map[string]bool
}

// LoadSkipList reads one entry per line; blank lines and lines starting with
// # are ignored. An empty path or a missing file yields an empty list.
func LoadSkipList(path string) (*SkipList, error) {
	sl := &SkipList{entries: make(map[string]bool)}
	if path == "" {
		return sl, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("skip list not found, ignoring", zap.String("path", path))
		return sl, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "universe: open skip list %s", path)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sl.entries[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "universe: read skip list %s", path)
	}
	return sl, nil
}

// NewSkipList builds a skip list from explicit entries.
func NewSkipList(entries ...string) *SkipList {
	sl := &SkipList{entries: make(map[string]bool, len(entries))}
	for _, e := range entries {
		sl.entries[e] = true
	}
	return sl
}

// Len returns the number of entries.
func (s *SkipList) Len() int {
	return len(s.entries)
}

// Skips reports whether the full code or its base identifier is listed.
func (s *SkipList) Skips(raw string) bool {
	if s.entries[raw] {
		return true
	}
	c, err := Parse(raw)
	return err == nil && s.entries[c.Base]
}

// Apply removes listed codes, keeping input order.
func (s *SkipList) Apply(codes []string) []string {
	if len(s.entries) == 0 {
		return codes
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if !s.Skips(c) {
			out = append(out, c)
		}
	}
	return out
}
