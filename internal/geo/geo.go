// Package geo provides the static country reference store used by the
// geographic rules.
package geo

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

//go:embed geodata.json
var embedded []byte

type entry struct {
	Region    string   `json:"region"`
	Subregion string   `json:"subregion"`
	Neighbors []string `json:"neighbors"`
}

// Store is a read-only country reference. Safe for concurrent use.
type Store struct {
	countries map[string]domain.GeoRecord
}

// Load parses the embedded dataset.
func Load() (*Store, error) {
	return Parse(embedded)
}

// Parse builds a Store from {code: {region, subregion, neighbors}} JSON.
func Parse(data []byte) (*Store, error) {
	var raw map[string]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse geo data: %w", err)
	}

	countries := make(map[string]domain.GeoRecord, len(raw))
	for code, e := range raw {
		code = strings.ToUpper(code)
		region := e.Region
		if region == "" {
			region = domain.UnknownRegion
		}
		neighbors := make(map[string]struct{}, len(e.Neighbors))
		for _, n := range e.Neighbors {
			neighbors[strings.ToUpper(n)] = struct{}{}
		}
		countries[code] = domain.GeoRecord{
			CountryCode: code,
			Region:      region,
			Subregion:   e.Subregion,
			Neighbors:   neighbors,
		}
	}

	return &Store{countries: countries}, nil
}

// Lookup returns the record for a country. Unknown countries resolve to
// region "Unknown" with no neighbors.
func (s *Store) Lookup(code string) domain.GeoRecord {
	if rec, ok := s.countries[code]; ok {
		return rec
	}
	return domain.GeoRecord{CountryCode: code, Region: domain.UnknownRegion}
}

// AreNeighbors reports whether a and b share a land border.
func (s *Store) AreNeighbors(a, b string) bool {
	return s.Lookup(a).IsNeighbor(b) || s.Lookup(b).IsNeighbor(a)
}

// SameRegion reports whether a and b are in the same known region.
func (s *Store) SameRegion(a, b string) bool {
	ra := s.Lookup(a).Region
	return ra != domain.UnknownRegion && ra == s.Lookup(b).Region
}

// Len returns the number of countries loaded.
func (s *Store) Len() int {
	return len(s.countries)
}

var _ domain.GeoReference = (*Store)(nil)
