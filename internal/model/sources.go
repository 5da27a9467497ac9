package model

// CoreFacts is what the knowledge graph returned for one base identifier.
type CoreFacts struct {
	Autonym    string            `json:"autonym,omitempty"`
	Speakers   *int64            `json:"speakers,omitempty"`
	Glottocode string            `json:"glottocode,omitempty"`
	Scripts    []string          `json:"scripts,omitempty"`
	Wikipedia  string            `json:"wikipedia,omitempty"`
	Raw        map[string]string `json:"raw,omitempty"`
}

// GeoFacts lists where a language is official or in use. All lists are sorted.
type GeoFacts struct {
	CountriesISO2   []string `json:"countries_iso2"`
	CountriesLabels []string `json:"countries_labels"`
	Regions         []string `json:"regions"`
}

// Languoid is a raw Glottolog languoid document. An empty map means the
// lookup failed or was skipped.
type Languoid map[string]any

// Classification returns the names of the classification chain, root first.
// Entries without a name are ignored.
func (l Languoid) Classification() []string {
	chain, ok := l["classification"].([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, node := range chain {
		m, ok := node.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := m["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Coordinates returns the languoid's point when both latitude and longitude
// are present.
func (l Languoid) Coordinates() (*Coordinates, bool) {
	lat, okLat := l["latitude"].(float64)
	lon, okLon := l["longitude"].(float64)
	if !okLat || !okLon {
		return nil, false
	}
	return &Coordinates{Lat: lat, Lon: lon}, true
}
