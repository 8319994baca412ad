// Package intel resolves IP addresses to location and anonymizer facts.
package intel

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// cascade is the list lookup order. The first hit wins.
var cascade = []domain.IPList{domain.ListTor, domain.ListVPN, domain.ListClean}

// Resolver runs the IP intelligence cascade:
// Tor list, VPN list, clean list, then the external lookup with write-back.
type Resolver struct {
	lists  domain.IPListStore
	lookup domain.IPLookup
	cache  domain.Cache
	cfg    domain.IntelConfig
	now    func() time.Time
}

// NewResolver creates a resolver. cache may be nil, which disables the seen counter.
func NewResolver(lists domain.IPListStore, lookup domain.IPLookup, cache domain.Cache, cfg domain.IntelConfig) *Resolver {
	if cfg.ListTrust == 0 {
		cfg.ListTrust = 0.99
	}
	if cfg.APITrust == 0 {
		cfg.APITrust = 0.90
	}
	if cfg.SeenWindow == 0 {
		cfg.SeenWindow = 24 * time.Hour
	}
	return &Resolver{
		lists:  lists,
		lookup: lookup,
		cache:  cache,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns facts for ip. It never fails: when a list read errors, or no
// list holds the IP and the external lookup fails, degraded facts are returned.
func (r *Resolver) Resolve(ctx context.Context, ip string) domain.IPFacts {
	ctx, span := telemetry.StartSpan(ctx, "intel.resolve", telemetry.IP(ip))
	defer span.End()

	for _, list := range cascade {
		rec, err := r.lists.GetIP(ctx, list, ip)
		if err != nil {
			// A failed read must not fall through to the lookup: its write-back
			// would move the IP out of the list we could not read.
			slog.Warn("ip list lookup failed, degrading", "list", list, "ip", ip, "error", err)
			span.SetStatus(codes.Error, "list lookup failed")
			metrics.ResolverTier.WithLabelValues(string(domain.TierUnresolved)).Inc()
			return Degraded(ip)
		}
		if rec == nil {
			continue
		}

		facts := r.fromList(list, rec)
		r.markSeen(ctx, ip)
		metrics.ResolverTier.WithLabelValues(string(facts.SourceTier)).Inc()
		span.SetAttributes(telemetry.SourceTier(facts.SourceTier))
		return facts
	}

	res, err := r.lookup.Lookup(ctx, ip)
	if err != nil {
		slog.Warn("external ip lookup failed, degrading", "ip", ip, "error", err)
		span.SetStatus(codes.Error, "lookup failed")
		metrics.ResolverTier.WithLabelValues(string(domain.TierUnresolved)).Inc()
		return Degraded(ip)
	}

	r.writeBack(ctx, res)

	metrics.ResolverTier.WithLabelValues(string(domain.TierExternalAPI)).Inc()
	span.SetAttributes(telemetry.SourceTier(domain.TierExternalAPI))
	return domain.IPFacts{
		IP:          ip,
		CountryCode: res.CountryCode,
		Country:     res.Country,
		Security:    res.Security,
		SourceTier:  domain.TierExternalAPI,
		Confidence:  r.cfg.APITrust,
	}
}

// Degraded returns the fallback facts used when an IP cannot be resolved.
func Degraded(ip string) domain.IPFacts {
	return domain.IPFacts{
		IP:          ip,
		CountryCode: domain.UnknownCountry,
		SourceTier:  domain.TierUnresolved,
		Confidence:  0,
		Degraded:    true,
	}
}

func (r *Resolver) fromList(list domain.IPList, rec *domain.IPRecord) domain.IPFacts {
	sec := rec.Security
	switch list {
	case domain.ListTor:
		sec.IsTor = true
	case domain.ListVPN:
		// Records written back from lookups keep their own flags.
		// Manually seeded entries carry none and count as VPN.
		if !sec.Any() {
			sec.IsVPN = true
		}
	}

	code := rec.CountryCode
	if code == "" {
		code = domain.UnknownCountry
	}

	return domain.IPFacts{
		IP:          rec.IP,
		CountryCode: code,
		Country:     rec.Country,
		Security:    sec,
		SourceTier:  list.Tier(),
		Confidence:  r.cfg.ListTrust,
	}
}

// writeBack stores a lookup result in the VPN list when any anonymizer flag
// is set, otherwise in the clean list. The record is replaced wholesale.
func (r *Resolver) writeBack(ctx context.Context, res *domain.LookupResult) {
	list := domain.ListClean
	if res.Security.Any() {
		list = domain.ListVPN
	}

	now := r.now()
	rec := &domain.IPRecord{
		IP:          res.IP,
		CountryCode: res.CountryCode,
		Country:     res.Country,
		Region:      res.Region,
		ISP:         res.ISP,
		ASN:         res.ASN,
		Security:    res.Security,
		Source:      res.Source,
		FirstSeen:   now,
		LastSeen:    now,
		FetchCount:  1,
	}

	if err := r.lists.UpsertIP(ctx, list, rec); err != nil {
		slog.Error("failed to write back ip record", "list", list, "ip", res.IP, "error", err)
		return
	}
	slog.Debug("ip record written back", "list", list, "ip", res.IP)
}

func (r *Resolver) markSeen(ctx context.Context, ip string) {
	if r.cache == nil {
		return
	}
	if _, err := r.cache.IncrementCounter(ctx, domain.IPListNamespace, "seen:"+ip, r.cfg.SeenWindow); err != nil {
		slog.Debug("seen counter update failed", "ip", ip, "error", err)
	}
}
