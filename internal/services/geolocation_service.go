package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/castellan-io/castellan/internal/models"
	"github.com/redis/go-redis/v9"
)

// Geolocator resolves an IP address to a coarse location. Lookups are
// best-effort: a nil location with a nil error means "unknown".
type Geolocator interface {
	Lookup(ctx context.Context, ip string) (*models.Location, error)
}

// HTTPGeolocator queries an ip-api.com style JSON endpoint, with an optional
// redis cache in front. Lookup failures and timeouts resolve to nil; they
// never block a login.
type HTTPGeolocator struct {
	endpoint string
	client   *http.Client
	cache    *redis.Client // nil when caching is disabled
	cacheTTL time.Duration
	logger   *slog.Logger
}

func NewHTTPGeolocator(endpoint string, timeout time.Duration, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *HTTPGeolocator {
	return &HTTPGeolocator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

type geoResponse struct {
	Status     string `json:"status"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

func (g *HTTPGeolocator) Lookup(ctx context.Context, ip string) (*models.Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return nil, nil
	}

	if loc := g.cacheGet(ctx, ip); loc != nil {
		return loc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", g.endpoint, ip), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geolocation request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug("geolocation lookup failed", slog.String("ip", ip), slog.Any("error", err))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		g.logger.Debug("geolocation response malformed", slog.Any("error", err))
		return nil, nil
	}
	if body.Status != "success" || body.Country == "" {
		return nil, nil
	}

	loc := &models.Location{
		Country: body.Country,
		Region:  body.RegionName,
		City:    body.City,
	}

	g.cacheSet(ctx, ip, loc)
	return loc, nil
}

func (g *HTTPGeolocator) cacheGet(ctx context.Context, ip string) *models.Location {
	if g.cache == nil {
		return nil
	}

	raw, err := g.cache.Get(ctx, geoCacheKey(ip)).Bytes()
	if err != nil {
		return nil
	}

	var loc models.Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil
	}
	return &loc
}

func (g *HTTPGeolocator) cacheSet(ctx context.Context, ip string, loc *models.Location) {
	if g.cache == nil {
		return
	}

	raw, err := json.Marshal(loc)
	if err != nil {
		return
	}

	// Cache failures are ignored; the next lookup just goes to the network.
	_ = g.cache.Set(ctx, geoCacheKey(ip), raw, g.cacheTTL).Err()
}

func geoCacheKey(ip string) string {
	return "geo:" + ip
}
