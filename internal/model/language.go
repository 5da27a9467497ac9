package model

// ResourceLevel buckets a language by how much speech and text data is likely
// to exist for it.
type ResourceLevel string

const (
	ResourceHigh   ResourceLevel = "high"
	ResourceMedium ResourceLevel = "medium"
	ResourceLow    ResourceLevel = "low"
)

// DataSourceTier says whether public corpora, community recordings, or both
// cover a language.
type DataSourceTier string

const (
	DataSourcePublic    DataSourceTier = "public"
	DataSourceCommunity DataSourceTier = "community"
	DataSourceBoth      DataSourceTier = "both"
)

// WritingDirection of a script.
type WritingDirection string

const (
	LeftToRight WritingDirection = "ltr"
	RightToLeft WritingDirection = "rtl"
)

// Coordinates is a representative point for a language.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Language is the merged metadata record for one language/script code.
type Language struct {
	Code       string `json:"code"`
	ISO6393    string `json:"iso_639_3"`
	ScriptCode string `json:"script_code"`
	Variant    string `json:"variant,omitempty"`

	EnglishName      *Attributed[string]           `json:"english_name"`
	Autonym          *Attributed[string]           `json:"autonym"`
	ScriptName       *Attributed[string]           `json:"script_name"`
	WritingDirection *Attributed[WritingDirection] `json:"writing_direction"`
	LanguageFamily   *Attributed[string]           `json:"language_family"`
	SpeakerCount     *Attributed[int64]            `json:"speaker_count"`

	PrimaryCountries []string     `json:"primary_countries"`
	Regions          []string     `json:"regions"`
	Coordinates      *Coordinates `json:"coordinates"`
	RelatedLanguages []string     `json:"related_languages"`

	WikipediaCode *Attributed[string]         `json:"wikipedia_code"`
	GlottologCode *Attributed[string]         `json:"glottolog_code"`
	ResourceLevel *Attributed[ResourceLevel]  `json:"resource_level"`
	DataSource    *Attributed[DataSourceTier] `json:"data_source"`

	Provenance Provenance `json:"provenance"`
}

// Provenance keeps the raw source snapshots a record was merged from.
type Provenance struct {
	Wikidata  *CoreFacts `json:"wikidata"`
	Glottolog Languoid   `json:"glottolog"`
	Geo       *GeoFacts  `json:"geo"`
}

// Speakers returns the speaker count, or 0 when unknown.
func (l *Language) Speakers() int64 {
	return ValueOf(l.SpeakerCount)
}

// Family returns the language family name, or "" when unknown.
func (l *Language) Family() string {
	return ValueOf(l.LanguageFamily)
}

// Script returns the script display name, or "" when unknown.
func (l *Language) Script() string {
	return ValueOf(l.ScriptName)
}
