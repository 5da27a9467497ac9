package merge

import (
	"errors"
	"io/fs"
	"maps"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ScriptTable maps ISO 15924 script identifiers to display names.
type ScriptTable map[string]string

// DefaultScriptTable returns the built-in names.
func DefaultScriptTable() ScriptTable {
	return ScriptTable{
		"Deva": "Devanagari",
		"Latn": "Latin",
		"Arab": "Arabic",
	}
}

// Name returns the display name for id, or id itself when unmapped.
func (t ScriptTable) Name(id string) string {
	if name, ok := t[id]; ok && name != "" {
		return name
	}
	return id
}

// LoadScriptTable returns the default table overlaid with the entries of a
// YAML mapping file (Beng: Bengali). An empty path or a missing file yields
// the defaults.
func LoadScriptTable(path string) (ScriptTable, error) {
	table := DefaultScriptTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		zap.L().Debug("script table override not found, using defaults", zap.String("path", path))
		return table, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "merge: read script table %s", path)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrapf(err, "merge: parse script table %s", path)
	}
	maps.Copy(table, overrides)

	zap.L().Debug("loaded script table",
		zap.String("path", path),
		zap.Int("overrides", len(overrides)),
		zap.Int("entries", len(table)),
	)
	return table, nil
}
