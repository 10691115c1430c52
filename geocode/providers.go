package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type nominatimProvider struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func newNominatimProvider() *nominatimProvider {
	baseURL := strings.TrimSpace(os.Getenv("NOMINATIM_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org"
	}
	userAgent := strings.TrimSpace(os.Getenv("GEOCODE_USER_AGENT"))
	if userAgent == "" {
		userAgent = "renec-backend/1.0"
	}
	return &nominatimProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *nominatimProvider) Name() string {
	return "nominatim"
}

type nominatimResult struct {
	Lat        string  `json:"lat"`
	Lon        string  `json:"lon"`
	Importance float64 `json:"importance"`
}

func (p *nominatimProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "jsonv2")
	params.Set("limit", "1")
	params.Set("countrycodes", "mx")

	body, err := getJSON(ctx, p.http, p.baseURL+"/search?"+params.Encode(), p.userAgent)
	if err != nil {
		return nil, err
	}

	var results []nominatimResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	lat, err := decimal.NewFromString(results[0].Lat)
	if err != nil {
		return nil, err
	}
	lon, err := decimal.NewFromString(results[0].Lon)
	if err != nil {
		return nil, err
	}
	return &Result{
		Latitude:   lat,
		Longitude:  lon,
		Confidence: results[0].Importance,
		Source:     p.Name(),
	}, nil
}

type photonProvider struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func newPhotonProvider() *photonProvider {
	baseURL := strings.TrimSpace(os.Getenv("PHOTON_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://photon.komoot.io"
	}
	userAgent := strings.TrimSpace(os.Getenv("GEOCODE_USER_AGENT"))
	if userAgent == "" {
		userAgent = "renec-backend/1.0"
	}
	return &photonProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *photonProvider) Name() string {
	return "photon"
}

type photonResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

// Photon does not score matches, so hits get a flat mid confidence
// above the persistence floor.
const photonConfidence = 0.5

func (p *photonProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", "1")

	body, err := getJSON(ctx, p.http, p.baseURL+"/api?"+params.Encode(), p.userAgent)
	if err != nil {
		return nil, err
	}

	var parsed photonResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Features) == 0 || len(parsed.Features[0].Geometry.Coordinates) < 2 {
		return nil, nil
	}

	coords := parsed.Features[0].Geometry.Coordinates
	return &Result{
		Latitude:   decimal.NewFromFloat(coords[1]),
		Longitude:  decimal.NewFromFloat(coords[0]),
		Confidence: photonConfidence,
		Source:     p.Name(),
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("geocode api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
