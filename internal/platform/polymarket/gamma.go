package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// GammaClient discovers markets on the Gamma API and remembers which market
// each outcome token belongs to.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	byToken map[string]domain.Market
}

var _ domain.MarketResolver = (*GammaClient)(nil)

// NewGammaClient creates a client for baseURL, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		byToken:    make(map[string]domain.Market),
	}
}

// ListActiveMarkets returns open markets whose slug starts with prefix,
// soonest expiry first. An empty prefix matches everything.
func (g *GammaClient) ListActiveMarkets(ctx context.Context, prefix string, limit int) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("order", "endDate")
	params.Set("ascending", "true")
	params.Set("limit", strconv.Itoa(limit))

	markets, err := g.fetch(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}
	out := markets[:0]
	for _, m := range markets {
		if m.Active && strings.HasPrefix(m.Slug, prefix) {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarketForToken implements domain.MarketResolver.
func (g *GammaClient) MarketForToken(ctx context.Context, tokenID string) (domain.Market, error) {
	g.mu.RLock()
	m, ok := g.byToken[tokenID]
	g.mu.RUnlock()
	if ok {
		return m, nil
	}

	markets, err := g.fetch(ctx, "/markets?clob_token_ids="+url.QueryEscape(tokenID))
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market for %s: %w", tokenID, err)
	}
	for _, m := range markets {
		if m.OutcomeFor(tokenID) != "" {
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("polymarket/gamma: market for %s: %w", tokenID, domain.ErrNotFound)
}

// fetch decodes a market list and indexes every token it contains.
func (g *GammaClient) fetch(ctx context.Context, path string) ([]domain.Market, error) {
	body, err := g.doGet(ctx, path)
	if err != nil {
		return nil, err
	}
	var api []APIMarket
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	markets := make([]domain.Market, 0, len(api))
	g.mu.Lock()
	for i := range api {
		m := api[i].ToDomainMarket()
		markets = append(markets, m)
		for _, id := range m.TokenIDs {
			if id != "" {
				g.byToken[id] = m
			}
		}
	}
	g.mu.Unlock()
	return markets, nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
