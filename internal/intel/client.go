package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrLookupFailed wraps every external lookup failure.
var ErrLookupFailed = errors.New("ip lookup failed")

// VPNAPIClient looks IPs up against a vpnapi.io compatible service.
type VPNAPIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewVPNAPIClient creates a client. Every request is bounded by timeout.
func NewVPNAPIClient(baseURL, apiKey string, timeout time.Duration) *VPNAPIClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &VPNAPIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type vpnapiResponse struct {
	IP       string `json:"ip"`
	Security struct {
		VPN   bool `json:"vpn"`
		Proxy bool `json:"proxy"`
		Tor   bool `json:"tor"`
		Relay bool `json:"relay"`
	} `json:"security"`
	Location struct {
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
		Region      string `json:"region"`
		Continent   string `json:"continent"`
	} `json:"location"`
	Network struct {
		ASN json.RawMessage `json:"autonomous_system_number"`
		Org string          `json:"autonomous_system_organization"`
	} `json:"network"`
}

// Lookup fetches intelligence for ip. Any failure, including a response
// without a country code, is returned as an error wrapping ErrLookupFailed.
func (c *VPNAPIClient) Lookup(ctx context.Context, ip string) (*domain.LookupResult, error) {
	start := time.Now()
	defer func() {
		metrics.LookupDuration.Observe(time.Since(start).Seconds())
	}()

	endpoint := c.baseURL + "/" + url.PathEscape(ip)
	if c.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		reason := "network"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			reason = "timeout"
		}
		metrics.LookupFailures.WithLabelValues(reason).Inc()
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		metrics.LookupFailures.WithLabelValues("status").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body vpnapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		metrics.LookupFailures.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}

	code := strings.ToUpper(strings.TrimSpace(body.Location.CountryCode))
	if !domain.IsCountryCode(code) {
		metrics.LookupFailures.WithLabelValues("incomplete").Inc()
		return nil, fmt.Errorf("%w: missing country code", ErrLookupFailed)
	}

	return &domain.LookupResult{
		IP:          ip,
		CountryCode: code,
		Country:     body.Location.Country,
		Region:      body.Location.Region,
		Continent:   body.Location.Continent,
		ISP:         body.Network.Org,
		ASN:         rawASN(body.Network.ASN),
		Security: domain.SecurityFlags{
			IsVPN:   body.Security.VPN,
			IsProxy: body.Security.Proxy,
			IsTor:   body.Security.Tor,
			IsRelay: body.Security.Relay,
		},
		Source: "vpnapi.io",
	}, nil
}

// rawASN accepts the ASN as either a JSON string or number.
func rawASN(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

var _ domain.IPLookup = (*VPNAPIClient)(nil)
