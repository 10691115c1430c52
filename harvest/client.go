package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type renecClient struct {
	baseURL string
	http    *http.Client
	limiter <-chan time.Time
}

func newRenecClient() *renecClient {
	baseURL := strings.TrimSpace(os.Getenv("RENEC_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://conocer.gob.mx/CONOCERBACKCITAS"
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("RENEC_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &renecClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: time.Tick(interval),
	}
}

type renecListResponse struct {
	Data   []RawRecord `json:"data"`
	Items  []RawRecord `json:"items"`
	Result []RawRecord `json:"result"`
	Total  int         `json:"total"`
}

// records returns whichever list key the endpoint chose to populate.
func (r renecListResponse) records() []RawRecord {
	if len(r.Data) > 0 {
		return r.Data
	}
	if len(r.Items) > 0 {
		return r.Items
	}
	return r.Result
}

func (c *renecClient) getList(ctx context.Context, path string, params url.Values) (renecListResponse, error) {
	body, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return renecListResponse{}, err
	}
	return parseList(body)
}

func (c *renecClient) postList(ctx context.Context, path string, payload any) (renecListResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return renecListResponse{}, err
	}
	body, err := c.do(ctx, http.MethodPost, path, nil, data)
	if err != nil {
		return renecListResponse{}, err
	}
	return parseList(body)
}

func (c *renecClient) do(ctx context.Context, method string, path string, params url.Values, payload []byte) ([]byte, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "es-MX,es;q=0.9")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("renec api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// parseList accepts either an object with a list key or a bare array.
func parseList(body []byte) (renecListResponse, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var records []RawRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return renecListResponse{}, err
		}
		return renecListResponse{Data: records}, nil
	}

	var parsed renecListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return renecListResponse{}, err
	}
	return parsed, nil
}
