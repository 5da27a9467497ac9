package build

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/merge"
	"github.com/omnilingual/langmeta/internal/model"
	"github.com/omnilingual/langmeta/internal/universe"
)

// batchOutput is what a processed batch produced. Dropped maps a skip
// reason to the codes that could not be merged for it.
type batchOutput struct {
	records map[string]*model.Language
	dropped map[string][]string
}

func (o *batchOutput) drop(code string, err error) {
	reason := model.ErrorReason(ErrorKind(err))
	o.dropped[reason] = append(o.dropped[reason], code)
}

// processBatch fetches every source for codes and merges the records.
// Codes that cannot be merged are dropped and reported with their reason;
// the batch fails only when a source fetch fails or no code could be merged.
func (b *Builder) processBatch(ctx context.Context, codes []string) (*batchOutput, error) {
	bases := universe.Bases(codes)

	core, err := b.kg.FetchCore(ctx, bases)
	if err != nil {
		return nil, err
	}

	var geo map[string]model.GeoFacts
	if !b.opts.SkipGeo {
		geo = b.kg.FetchGeo(ctx, bases, b.opts.SimpleGeo)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var glottocodes []string
	for _, base := range bases {
		if f, ok := core[base]; ok && f.Glottocode != "" {
			glottocodes = append(glottocodes, f.Glottocode)
		}
	}
	languoids := b.classifier.FetchMany(ctx, glottocodes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &batchOutput{
		records: make(map[string]*model.Language, len(codes)),
		dropped: make(map[string][]string),
	}
	var lastErr error
	for _, raw := range codes {
		code, err := universe.Parse(raw)
		if err != nil {
			lastErr = err
			out.drop(raw, err)
			b.log.Warn("dropping unparseable code", zap.String("code", raw), zap.Error(err))
			continue
		}

		in := merge.Input{Code: code}
		if f, ok := core[code.Base]; ok {
			in.Core = &f
			in.Languoid = languoids[f.Glottocode]
		}
		if geo != nil {
			if g, ok := geo[code.Base]; ok {
				in.Geo = &g
			}
		}

		rec, err := b.merger.Merge(in)
		if err != nil {
			lastErr = err
			out.drop(raw, err)
			b.log.Warn("dropping code that failed to merge", zap.String("code", raw), zap.Error(err))
			continue
		}
		out.records[rec.Code] = rec
	}

	if len(out.records) == 0 && lastErr != nil {
		return nil, eris.Wrapf(lastErr, "build: no code in batch could be merged")
	}

	merge.Relate(out.records)
	return out, nil
}
