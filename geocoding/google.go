package geocoding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const GoogleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

type Google struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewGoogle(apiKey string, timeout time.Duration) *Google {
	return &Google{
		endpoint:   GoogleGeocodeURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *Google) Name() string { return "google" }

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress  string `json:"formatted_address"`
		AddressComponents []struct {
			LongName string   `json:"long_name"`
			Types    []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

func (g *Google) Reverse(ctx context.Context, lat, lng float64) (*Place, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("google geocoding API key not set")
	}

	params := url.Values{}
	params.Set("latlng", fmt.Sprintf("%f,%f", lat, lng))
	params.Set("key", g.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("google geocoding returned status %d: %s", resp.StatusCode, string(body))
	}

	var gr googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if gr.Status != "OK" {
		return nil, fmt.Errorf("google geocoding status %s: %s", gr.Status, gr.ErrorMessage)
	}
	if len(gr.Results) == 0 {
		return &Place{}, nil
	}

	first := gr.Results[0]
	byType := make(map[string]string)
	for _, c := range first.AddressComponents {
		for _, t := range c.Types {
			if _, ok := byType[t]; !ok {
				byType[t] = c.LongName
			}
		}
	}
	return &Place{
		FormattedAddress: first.FormattedAddress,
		Locality:         firstNonEmpty(byType["sublocality_level_1"], byType["sublocality"], byType["neighborhood"]),
		City:             firstNonEmpty(byType["locality"], byType["administrative_area_level_2"]),
		State:            byType["administrative_area_level_1"],
		Country:          byType["country"],
	}, nil
}
