package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRatesURL returns rates relative to EUR and needs no API key.
const DefaultRatesURL = "https://api.exchangerate-api.com/v4/latest/EUR"

// Provider fetches the current rate table.
type Provider interface {
	FetchRates(ctx context.Context) (Rates, error)
}

// RateFetchError reports that the provider could not deliver rates.
type RateFetchError struct {
	Err error
}

func (e *RateFetchError) Error() string {
	return fmt.Sprintf("failed to fetch exchange rates: %v", e.Err)
}

func (e *RateFetchError) Unwrap() error { return e.Err }

// HTTPProvider reads an exchangerate-api style JSON document:
//
//	{"base":"EUR","rates":{"USD":1.08,"GBP":0.85}}
type HTTPProvider struct {
	url        string
	httpClient *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider for url with the given request timeout.
func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	if url == "" {
		url = DefaultRatesURL
	}
	return &HTTPProvider{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) FetchRates(ctx context.Context) (Rates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, &RateFetchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &RateFetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RateFetchError{Err: fmt.Errorf("rates API error: %d - %s", resp.StatusCode, string(body))}
	}

	var payload struct {
		Base  string `json:"base"`
		Rates Rates  `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &RateFetchError{Err: fmt.Errorf("decode rates: %w", err)}
	}
	if len(payload.Rates) == 0 {
		return nil, &RateFetchError{Err: fmt.Errorf("rates API returned no rates")}
	}

	rates := make(Rates, len(payload.Rates)+1)
	for code, rate := range payload.Rates {
		rates[code] = rate
	}
	rates[Base] = decimal.NewFromInt(1)
	return rates, nil
}
