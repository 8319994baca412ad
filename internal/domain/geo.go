package domain

// UnknownRegion is returned for countries absent from the reference data.
const UnknownRegion = "Unknown"

// GeoRecord is static reference data for one country.
type GeoRecord struct {
	CountryCode string              `json:"countryCode"`
	Region      string              `json:"region"`
	Subregion   string              `json:"subregion,omitempty"`
	Neighbors   map[string]struct{} `json:"-"`
}

// IsNeighbor reports whether code shares a border with this country.
func (g GeoRecord) IsNeighbor(code string) bool {
	_, ok := g.Neighbors[code]
	return ok
}

// GeoReference answers static geography questions.
type GeoReference interface {
	Lookup(countryCode string) GeoRecord
	AreNeighbors(a, b string) bool
	SameRegion(a, b string) bool
}
