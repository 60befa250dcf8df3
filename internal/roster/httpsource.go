package roster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPSource fetches roster pages from a paged HTTP directory API. Requests
// are rate limited and guarded by a circuit breaker so a struggling upstream
// is not hammered by retries.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPSource creates a source reading from baseURL. rps bounds outbound
// requests per second.
func NewHTTPSource(baseURL, apiKey string, rps float64) *HTTPSource {
	return &HTTPSource{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "roster-directory",
			Timeout: 30 * time.Second,
		}),
	}
}

func (s *HTTPSource) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, cursor)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Page), nil
}

func (s *HTTPSource) fetch(ctx context.Context, cursor string) (*Page, error) {
	u, err := url.Parse(s.baseURL + "/students")
	if err != nil {
		return nil, fmt.Errorf("parse directory url: %w", err)
	}
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch roster page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		// 4xx means the request itself is wrong; retrying cannot help.
		return nil, liberr.Validation("directory rejected request: %d %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode roster page: %w", err)
	}
	return &page, nil
}
