package polymarket

import (
	"bytes"
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

	"github.com/alanyoungcy/probebot/internal/crypto"
	"github.com/alanyoungcy/probebot/internal/domain"
)

// ClobClient talks to the CLOB REST API. Book reads are public; order
// placement needs a signer and derived L2 credentials.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer

	mu    sync.RWMutex
	creds *crypto.APICreds
}

// NewClobClient creates a client. signer may be nil for read-only use.
func NewClobClient(baseURL string, signer *crypto.Signer) *ClobClient {
	return &ClobClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		signer:     signer,
	}
}

// GetBook fetches the current order book for one outcome token.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (APIBook, error) {
	body, err := c.do(ctx, http.MethodGet, "/book?token_id="+url.QueryEscape(tokenID), nil, false)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return book, nil
}

// PostOrder submits a signed order. A venue-side rejection comes back as a
// result with Success=false and a wrapped ErrInvalidOrder.
func (c *ClobClient) PostOrder(ctx context.Context, p crypto.OrderPayload, signature string, typ domain.OrderType) (domain.OrderResult, error) {
	if c.signer == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", domain.ErrSigningFailed)
	}
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: no api credentials", domain.ErrUnauthorized)
	}

	side := "BUY"
	if p.Side == crypto.SideSell {
		side = "SELL"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          json.Number(p.Salt),
			"maker":         p.Maker,
			"signer":        p.Signer,
			"taker":         p.Taker,
			"tokenId":       p.TokenID,
			"makerAmount":   p.MakerAmount,
			"takerAmount":   p.TakerAmount,
			"expiration":    p.Expiration,
			"nonce":         p.Nonce,
			"feeRateBps":    p.FeeRateBps,
			"side":          side,
			"signatureType": p.SignatureType,
			"signature":     signature,
		},
		"owner":     creds.Key,
		"orderType": string(typ),
	}

	respBody, err := c.do(ctx, http.MethodPost, "/order", body, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	var res APIOrderResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	out := res.ToDomainOrderResult()
	if !out.Success {
		return out, fmt.Errorf("polymarket/clob: %w: %s", domain.ErrInvalidOrder, out.Message)
	}
	return out, nil
}

// DeriveAPIKey runs the L1 auth flow and stores the resulting credentials.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (crypto.APICreds, error) {
	if c.signer == nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: derive key: %w", domain.ErrSigningFailed)
	}
	ts := time.Now().Unix()
	sig, err := c.signer.SignAuth(ts, 0)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: derive key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: derive key: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	respBody, err := c.send(req)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: derive key: %w", err)
	}
	var ar struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return crypto.APICreds{}, fmt.Errorf("polymarket/clob: decode derive key: %w", err)
	}
	creds := crypto.APICreds{Key: ar.APIKey, Secret: ar.Secret, Passphrase: ar.Passphrase}
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	return creds, nil
}

func (c *ClobClient) do(ctx context.Context, method, path string, body any, auth bool) ([]byte, error) {
	var (
		reader  io.Reader
		payload string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		payload = string(b)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		c.mu.RLock()
		creds := c.creds
		c.mu.RUnlock()
		if creds != nil && c.signer != nil {
			for k, v := range creds.L2Headers(c.signer.Address().Hex(), method, path, payload) {
				req.Header.Set(k, v)
			}
		}
	}
	return c.send(req)
}

func (c *ClobClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
