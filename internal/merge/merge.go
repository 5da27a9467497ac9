// Package merge combines registry, knowledge-graph, classification and
// geography facts into language records with per-field provenance.
package merge

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/omnilingual/langmeta/internal/model"
	"github.com/omnilingual/langmeta/internal/universe"
)

// Confidence assigned to each field by source.
const (
	ConfidenceEnglishName      = 1.0
	ConfidenceAutonym          = 0.8
	ConfidenceScriptName       = 1.0
	ConfidenceWritingDirection = 0.8
	ConfidenceFamily           = 0.9
	ConfidenceSpeakers         = 0.6
	ConfidenceWikipedia        = 0.9
	ConfidenceGlottocode       = 0.9
	ConfidenceResourceLevel    = 0.9
	ConfidenceDataSource       = 0.7
)

// MaxRelated caps the related-language list.
const MaxRelated = 5

// ErrUnknownLanguage is returned when the registry has no name for a base
// identifier.
var ErrUnknownLanguage = eris.New("merge: unknown language")

// NameLookup resolves a base identifier to its English reference name.
type NameLookup interface {
	EnglishName(id string) (string, bool)
}

// Input is everything known about one code.
type Input struct {
	Code     universe.Code
	Core     *model.CoreFacts
	Languoid model.Languoid
	Geo      *model.GeoFacts
}

// Merger builds records. It is safe for concurrent use.
type Merger struct {
	names   NameLookup
	rules   Rules
	scripts ScriptTable
	now     func() time.Time
}

// Option configures a Merger.
type Option func(*Merger)

// WithClock sets the time source for last_updated stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Merger) {
		m.now = now
	}
}

// NewMerger creates a Merger.
func NewMerger(names NameLookup, rules Rules, scripts ScriptTable, opts ...Option) *Merger {
	m := &Merger{
		names:   names,
		rules:   rules,
		scripts: scripts,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge builds the record for one code. Related languages are left empty;
// see Relate.
func (m *Merger) Merge(in Input) (*model.Language, error) {
	base := in.Code.Base
	english, ok := m.names.EnglishName(base)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownLanguage, "merge: %s", in.Code)
	}

	at := m.now()
	core := in.Core
	if core == nil {
		core = &model.CoreFacts{}
	}
	languoid := in.Languoid
	if languoid == nil {
		languoid = model.Languoid{}
	}

	lang := &model.Language{
		Code:             in.Code.String(),
		ISO6393:          base,
		ScriptCode:       in.Code.Script,
		Variant:          in.Code.Variant,
		EnglishName:      model.Attribute(english, model.SourceISO, ConfidenceEnglishName, at),
		ScriptName:       model.Attribute(m.scripts.Name(in.Code.Script), model.SourceCLDR, ConfidenceScriptName, at),
		WritingDirection: model.Attribute(m.rules.Direction(in.Code.Script), model.SourceRule, ConfidenceWritingDirection, at),
		PrimaryCountries: []string{},
		Regions:          []string{},
		RelatedLanguages: []string{},
		Provenance: model.Provenance{
			Wikidata:  core,
			Glottolog: languoid,
			Geo:       in.Geo,
		},
	}

	if core.Autonym != "" {
		lang.Autonym = model.Attribute(norm.NFC.String(core.Autonym), model.SourceWikidata, ConfidenceAutonym, at)
	}
	if core.Speakers != nil && *core.Speakers > 0 {
		lang.SpeakerCount = model.Attribute(*core.Speakers, model.SourceWikidata, ConfidenceSpeakers, at)
	}
	if core.Wikipedia != "" {
		lang.WikipediaCode = model.Attribute(core.Wikipedia, model.SourceWikidata, ConfidenceWikipedia, at)
	}
	if core.Glottocode != "" {
		lang.GlottologCode = model.Attribute(core.Glottocode, model.SourceWikidata, ConfidenceGlottocode, at)
	}

	if family := m.rules.Family(languoid.Classification()); family != "" {
		lang.LanguageFamily = model.Attribute(family, model.SourceGlottolog, ConfidenceFamily, at)
	}
	if coords, ok := languoid.Coordinates(); ok {
		lang.Coordinates = coords
	}

	if in.Geo != nil {
		if len(in.Geo.CountriesISO2) > 0 {
			lang.PrimaryCountries = append(lang.PrimaryCountries, in.Geo.CountriesISO2...)
		}
		for _, r := range in.Geo.Regions {
			lang.Regions = append(lang.Regions, norm.NFC.String(r))
		}
		sort.Strings(lang.Regions)
	}

	var speakers *int64
	if lang.SpeakerCount != nil {
		speakers = &lang.SpeakerCount.Value
	}
	lang.ResourceLevel = model.Attribute(ResourceLevelFor(speakers), model.SourceDerived, ConfidenceResourceLevel, at)
	lang.DataSource = model.Attribute(m.rules.DataSource(base), model.SourceDerived, ConfidenceDataSource, at)

	return lang, nil
}

// Relate fills RelatedLanguages for every record in langs, ranking only
// against the other records in the same map.
func Relate(langs map[string]*model.Language) {
	for code, lang := range langs {
		lang.RelatedLanguages = Related(code, langs)
	}
}

// Related returns up to MaxRelated codes that share a non-empty family and
// the script name with code and have at least one country in common. Larger
// speaker counts rank first; ties go by code.
func Related(code string, langs map[string]*model.Language) []string {
	out := []string{}
	me, ok := langs[code]
	if !ok {
		return out
	}
	family := me.Family()
	if family == "" {
		return out
	}

	countries := make(map[string]bool, len(me.PrimaryCountries))
	for _, c := range me.PrimaryCountries {
		countries[c] = true
	}

	type candidate struct {
		code     string
		speakers int64
	}
	var cands []candidate
	for other, l := range langs {
		if other == code || l.Family() != family || l.Script() != me.Script() {
			continue
		}
		if !sharesCountry(countries, l.PrimaryCountries) {
			continue
		}
		cands = append(cands, candidate{code: other, speakers: l.Speakers()})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].speakers != cands[j].speakers {
			return cands[i].speakers > cands[j].speakers
		}
		return cands[i].code < cands[j].code
	})
	for i := 0; i < len(cands) && i < MaxRelated; i++ {
		out = append(out, cands[i].code)
	}
	return out
}

func sharesCountry(set map[string]bool, countries []string) bool {
	for _, c := range countries {
		if set[c] {
			return true
		}
	}
	return false
}
