package domain

import (
	"context"
	"time"
)

// SecurityFlags describes anonymizing infrastructure detected behind an IP.
type SecurityFlags struct {
	IsVPN   bool `json:"isVpn"`
	IsProxy bool `json:"isProxy"`
	IsTor   bool `json:"isTor"`
	IsRelay bool `json:"isRelay"`
}

// Any reports whether any anonymizer flag is set.
func (s SecurityFlags) Any() bool {
	return s.IsVPN || s.IsProxy || s.IsTor || s.IsRelay
}

// SourceTier identifies which list (or the external API) resolved an IP.
type SourceTier string

const (
	TierTorList     SourceTier = "TOR_LIST"
	TierVPNList     SourceTier = "VPN_LIST"
	TierCleanList   SourceTier = "CLEAN_LIST"
	TierExternalAPI SourceTier = "EXTERNAL_API"
	TierUnresolved  SourceTier = "UNRESOLVED"
)

// IPList names one of the three logical IP collections.
type IPList string

const (
	ListTor   IPList = "tor"
	ListVPN   IPList = "vpn"
	ListClean IPList = "clean"
)

// Valid reports whether l is one of the known lists.
func (l IPList) Valid() bool {
	switch l {
	case ListTor, ListVPN, ListClean:
		return true
	}
	return false
}

// Tier returns the source tier a hit in this list resolves to.
func (l IPList) Tier() SourceTier {
	switch l {
	case ListTor:
		return TierTorList
	case ListVPN:
		return TierVPNList
	case ListClean:
		return TierCleanList
	}
	return TierUnresolved
}

// UnknownCountry is the placeholder country code for unresolved IPs.
const UnknownCountry = "XX"

// IPRecord is a cached IP intelligence document, stored in one of the lists.
// Records are replaced wholesale on upsert (last write wins).
type IPRecord struct {
	IP          string        `json:"ip"`
	CountryCode string        `json:"countryCode"`
	Country     string        `json:"country,omitempty"`
	Region      string        `json:"region,omitempty"`
	ISP         string        `json:"isp,omitempty"`
	ASN         string        `json:"asn,omitempty"`
	Security    SecurityFlags `json:"security"`
	Source      string        `json:"source"`
	FirstSeen   time.Time     `json:"firstSeen"`
	LastSeen    time.Time     `json:"lastSeen"`
	FetchCount  int           `json:"fetchCount"`
}

// IPFacts is the resolver's answer for one IP.
type IPFacts struct {
	IP          string        `json:"ip"`
	CountryCode string        `json:"countryCode"`
	Country     string        `json:"country,omitempty"`
	Security    SecurityFlags `json:"security"`
	SourceTier  SourceTier    `json:"sourceTier"`
	Confidence  float64       `json:"confidence"`

	// Degraded is set when every lookup path failed.
	Degraded bool `json:"degraded"`
}

// LookupResult is what an external IP lookup service returns.
type LookupResult struct {
	IP          string
	CountryCode string
	Country     string
	Region      string
	Continent   string
	ISP         string
	ASN         string
	Security    SecurityFlags
	Source      string
}

// IPLookup is the external IP intelligence service.
// Any non-nil error is treated as a total failure for that request.
type IPLookup interface {
	Lookup(ctx context.Context, ip string) (*LookupResult, error)
}

// IPListStore holds the Tor, VPN and clean IP collections.
type IPListStore interface {
	// GetIP returns nil, nil when the IP is not in the list.
	GetIP(ctx context.Context, list IPList, ip string) (*IPRecord, error)

	// UpsertIP replaces the record for rec.IP in the list.
	UpsertIP(ctx context.Context, list IPList, rec *IPRecord) error
}
