// Package geocoding resolves coordinates into a place. Lookups are best
// effort: any failure yields an empty result and never reaches the caller.
package geocoding

import (
	"context"
	"time"

	"report-signal-service/config"

	"github.com/apex/log"
)

// Place is the reverse geocoding result
type Place struct {
	FormattedAddress string `json:"formatted_address"`
	Locality         string `json:"locality"`
	City             string `json:"city"`
	State            string `json:"state"`
	Country          string `json:"country"`
	Provider         string `json:"provider"`
}

func (p *Place) Empty() bool {
	return p == nil || (p.Locality == "" && p.City == "" && p.FormattedAddress == "")
}

type Provider interface {
	Name() string
	Reverse(ctx context.Context, lat, lng float64) (*Place, error)
}

// Resolver tries providers in order until one returns a place
type Resolver struct {
	providers []Provider
	cache     *Cache
	timeout   time.Duration
}

func NewResolver(timeout time.Duration, cache *Cache, providers ...Provider) *Resolver {
	return &Resolver{providers: providers, cache: cache, timeout: timeout}
}

// FromConfig builds the resolver for the providers named in
// GEOCODING_PROVIDERS, in that order. Unknown names are skipped.
func FromConfig(cfg *config.Config) *Resolver {
	var providers []Provider
	for _, name := range cfg.GeocodingProviders {
		switch name {
		case "nominatim":
			providers = append(providers, NewNominatim(cfg.NominatimURL, cfg.NominatimUserAgent, cfg.GeocodingTimeout))
		case "google":
			if cfg.GoogleMapsAPIKey == "" {
				log.Info("Google geocoding disabled, GOOGLE_MAPS_API_KEY not set")
				continue
			}
			providers = append(providers, NewGoogle(cfg.GoogleMapsAPIKey, cfg.GeocodingTimeout))
		case "", "none":
		default:
			log.Warnf("Unknown geocoding provider %q", name)
		}
	}
	return NewResolver(cfg.GeocodingTimeout, NewCache(CacheTTL), providers...)
}

// Reverse returns the first non-empty place, or an empty Place
func (r *Resolver) Reverse(ctx context.Context, lat, lng float64) Place {
	if r == nil {
		return Place{}
	}
	if r.cache != nil {
		if p, ok := r.cache.Get(lat, lng); ok {
			return p
		}
	}

	for _, provider := range r.providers {
		place, err := r.try(ctx, provider, lat, lng)
		if err != nil {
			log.WithError(err).Warnf("Geocoding provider %s failed for (%.6f, %.6f)", provider.Name(), lat, lng)
			continue
		}
		if place.Empty() {
			continue
		}
		place.Provider = provider.Name()
		if r.cache != nil {
			r.cache.Put(lat, lng, *place)
		}
		return *place
	}
	return Place{}
}

func (r *Resolver) try(ctx context.Context, provider Provider, lat, lng float64) (*Place, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return provider.Reverse(ctx, lat, lng)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
