package wikidata

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omnilingual/langmeta/internal/model"
)

// geoAccumulator collects distinct values for one identifier across rows.
type geoAccumulator struct {
	codes   map[string]bool
	labels  map[string]bool
	regions map[string]bool
}

func newGeoAccumulator() *geoAccumulator {
	return &geoAccumulator{
		codes:   make(map[string]bool),
		labels:  make(map[string]bool),
		regions: make(map[string]bool),
	}
}

func (a *geoAccumulator) add(row Row) {
	if v := row.Value("countryCode"); v != "" {
		a.codes[v] = true
	}
	if v := row.Value("countryLabel"); v != "" {
		a.labels[v] = true
	}
	if v := row.Value("adm1Label"); v != "" {
		a.regions[v] = true
	}
}

func (a *geoAccumulator) facts() model.GeoFacts {
	return model.GeoFacts{
		CountriesISO2:   sortedKeys(a.codes),
		CountriesLabels: sortedKeys(a.labels),
		Regions:         sortedKeys(a.regions),
	}
}

// EmptyGeo is the geography recorded when nothing could be fetched.
func EmptyGeo() model.GeoFacts {
	return model.GeoFacts{CountriesISO2: []string{}, CountriesLabels: []string{}, Regions: []string{}}
}

// FetchGeo queries geography in chunks. A chunk that fails after its retries
// is re-asked one identifier at a time; identifiers that still fail get empty
// facts. Cancellation of ctx ends the run early with whatever was collected.
func (c *httpClient) FetchGeo(ctx context.Context, ids []string, simple bool) map[string]model.GeoFacts {
	out := make(map[string]model.GeoFacts, len(ids))
	if len(ids) == 0 {
		return out
	}

	numChunks := (len(ids) + c.chunkSize - 1) / c.chunkSize
	c.log.Debug("geo fetch start",
		zap.Int("codes", len(ids)),
		zap.Int("chunks", numChunks),
		zap.Bool("simple", simple),
	)

	for i := 0; i < len(ids); i += c.chunkSize {
		chunk := ids[i:min(i+c.chunkSize, len(ids))]

		facts, err := c.geoQuery(ctx, chunk, simple, c.geo)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			c.log.Warn("geo chunk failed, falling back to single queries",
				zap.Strings("codes", chunk),
				zap.Error(err),
			)
			facts = c.geoFallback(ctx, chunk, simple)
		}
		for iso, f := range facts {
			out[iso] = f
		}

		if i+c.chunkSize < len(ids) {
			if err := c.sleep(ctx, c.chunkPause); err != nil {
				return out
			}
		}
	}
	return out
}

// geoFallback asks for each identifier on its own with bounded concurrency.
func (c *httpClient) geoFallback(ctx context.Context, ids []string, simple bool) map[string]model.GeoFacts {
	results := make([]model.GeoFacts, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fallbackConcurrency)
	for i, iso := range ids {
		g.Go(func() error {
			facts, err := c.geoQuery(gctx, []string{iso}, simple, c.geoSingle)
			if err != nil {
				c.log.Warn("geo lookup failed, leaving empty",
					zap.String("code", iso),
					zap.Error(err),
				)
				results[i] = EmptyGeo()
				return nil // one identifier never aborts the others
			}
			if f, ok := facts[iso]; ok {
				results[i] = f
			} else {
				results[i] = EmptyGeo()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]model.GeoFacts, len(ids))
	for i, iso := range ids {
		out[iso] = results[i]
	}
	return out
}

func (c *httpClient) geoQuery(ctx context.Context, ids []string, simple bool, p Policy) (map[string]model.GeoFacts, error) {
	op := "geo"
	if len(ids) == 1 {
		op = "geo-single"
	}
	resp, err := c.query(ctx, op, GeoQuery(ids, simple), p)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*geoAccumulator)
	for _, row := range resp.Results.Bindings {
		iso := row.Value("iso")
		if iso == "" {
			continue
		}
		a, ok := acc[iso]
		if !ok {
			a = newGeoAccumulator()
			acc[iso] = a
		}
		a.add(row)
	}

	out := make(map[string]model.GeoFacts, len(acc))
	for iso, a := range acc {
		out[iso] = a.facts()
	}
	return out, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
