package wikidata

import (
	"context"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/model"
)

// FetchCore runs one core query for all ids. A language with several rows
// (one per script or autonym) keeps the first non-empty value of each field
// and collects every distinct script.
func (c *httpClient) FetchCore(ctx context.Context, ids []string) (map[string]model.CoreFacts, error) {
	out := make(map[string]model.CoreFacts)
	if len(ids) == 0 {
		return out, nil
	}

	resp, err := c.query(ctx, "core", CoreQuery(ids), c.core)
	if err != nil {
		return nil, err
	}

	for _, row := range resp.Results.Bindings {
		iso := row.Value("iso")
		if iso == "" {
			continue
		}
		facts, seen := out[iso]
		if !seen {
			facts.Raw = flatten(row)
		}
		if facts.Autonym == "" {
			facts.Autonym = row.Value("autonym")
		}
		if facts.Speakers == nil {
			facts.Speakers = parseSpeakers(row.Value("speakers"))
		}
		if facts.Glottocode == "" {
			facts.Glottocode = row.Value("glotto")
		}
		if facts.Wikipedia == "" {
			facts.Wikipedia = row.Value("wp")
		}
		if script := row.Value("script"); script != "" && !slices.Contains(facts.Scripts, script) {
			facts.Scripts = append(facts.Scripts, script)
		}
		out[iso] = facts
	}

	c.log.Debug("core facts fetched",
		zap.Int("requested", len(ids)),
		zap.Int("rows", len(resp.Results.Bindings)),
		zap.Int("found", len(out)),
	)
	return out, nil
}

// parseSpeakers reads counts written as integers or decimals ("1.2E7").
// Anything else is treated as unknown.
func parseSpeakers(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return nil
	}
	n := int64(f)
	return &n
}

func flatten(row Row) map[string]string {
	m := make(map[string]string, len(row))
	for k, b := range row {
		m[k] = b.Value
	}
	return m
}
