package wikidata

import (
	"fmt"
	"strings"
)

const coreTemplate = `
PREFIX wdt: <http://www.wikidata.org/prop/direct/>
PREFIX schema: <http://schema.org/>

SELECT ?iso ?lang ?autonym ?speakers ?glotto ?script ?wp WHERE {
  VALUES ?iso { %s }
  ?lang wdt:P220 ?iso .
  OPTIONAL { ?lang wdt:P1705 ?autonym . }
  OPTIONAL { ?lang wdt:P1098 ?speakers . }
  OPTIONAL { ?lang wdt:P1394 ?glotto . }
  OPTIONAL { ?lang wdt:P282 ?script . }
  OPTIONAL {
    ?wpArticle schema:about ?lang ;
               schema:isPartOf <https://en.wikipedia.org/> ;
               schema:name ?wp .
  }
}
`

const geoTemplate = `
PREFIX wdt: <http://www.wikidata.org/prop/direct/>
PREFIX wd: <http://www.wikidata.org/entity/>
PREFIX schema: <http://schema.org/>

SELECT ?iso ?country ?countryCode ?countryLabel ?adm1 ?adm1Label WHERE {
  VALUES ?iso { %s }
  ?lang wdt:P220 ?iso .

  OPTIONAL {
    VALUES ?p { wdt:P37 wdt:P2936 }
    ?country ?p ?lang .
    OPTIONAL { ?country wdt:P297 ?countryCode . }
    SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
  }

  OPTIONAL {
    ?adm1 wdt:P2936 ?lang .
    ?adm1 wdt:P31/wdt:P279* wd:Q56061 .
    SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
  }
}
`

// simpleGeoTemplate asks only for countries where the language is official.
const simpleGeoTemplate = `
PREFIX wdt: <http://www.wikidata.org/prop/direct/>

SELECT ?iso ?country ?countryCode ?countryLabel WHERE {
  VALUES ?iso { %s }
  ?lang wdt:P220 ?iso .
  OPTIONAL {
    ?country wdt:P37 ?lang .
    OPTIONAL { ?country wdt:P297 ?countryCode . }
    SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
  }
}
`

// valuesBlock renders ids as quoted SPARQL literals: "awa" "bho".
func valuesBlock(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + strings.ReplaceAll(id, `"`, `\"`) + `"`
	}
	return strings.Join(quoted, " ")
}

// CoreQuery returns the query for autonym, speakers, glottocode, script and
// English Wikipedia title of each id.
func CoreQuery(ids []string) string {
	return fmt.Sprintf(coreTemplate, valuesBlock(ids))
}

// GeoQuery returns the countries-and-regions query. With simple set it asks
// for official-language countries only.
func GeoQuery(ids []string, simple bool) string {
	if simple {
		return fmt.Sprintf(simpleGeoTemplate, valuesBlock(ids))
	}
	return fmt.Sprintf(geoTemplate, valuesBlock(ids))
}
