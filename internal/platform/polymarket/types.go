package polymarket

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts a JSON number or a numeric string. The venue sends
// prices and sizes as strings on some channels and numbers on others.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (f *flexFloat) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// flexMillis is a millisecond timestamp sent either as a number or a string.
type flexMillis int64

func (m *flexMillis) UnmarshalJSON(data []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(data); err != nil {
		return err
	}
	*m = flexMillis(f)
	return nil
}

func (m flexMillis) time(fallback time.Time) time.Time {
	if m <= 0 {
		return fallback
	}
	return time.UnixMilli(int64(m))
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool      `json:"success"`
	ErrorMsg     string    `json:"errorMsg,omitempty"`
	OrderID      string    `json:"orderID,omitempty"`
	Status       string    `json:"status,omitempty"`
	MakingAmount flexFloat `json:"makingAmount,omitempty"`
	TakingAmount flexFloat `json:"takingAmount,omitempty"`
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
// For a matched buy, making is USDC spent and taking is shares received.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success: r.Success,
		OrderID: r.OrderID,
		Message: r.ErrorMsg,
	}
	switch {
	case !r.Success:
		result.Status = domain.OrderStatusFailed
	case r.Status == "matched":
		result.Status = domain.OrderStatusMatched
	default:
		result.Status = domain.OrderStatusPending
	}
	if r.TakingAmount > 0 {
		result.FilledSize = float64(r.TakingAmount)
		result.FilledPrice = float64(r.MakingAmount) / float64(r.TakingAmount)
	}
	return result
}

// APIBook is the REST order book returned by GET /book.
type APIBook struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Bids      []apiLevel `json:"bids"`
	Asks      []apiLevel `json:"asks"`
	Timestamp flexMillis `json:"timestamp"`
	Hash      string     `json:"hash"`
}

type apiLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

func toLevels(in []apiLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return out
}

// ToSnapshot converts the REST book into a snapshot tagged with source.
func (b *APIBook) ToSnapshot(tokenID string, now time.Time, source string) domain.OrderBookSnapshot {
	if b.AssetID != "" {
		tokenID = b.AssetID
	}
	return domain.NewOrderBookSnapshot(tokenID, toLevels(b.Bids), toLevels(b.Asks),
		domain.TopOfBook{}, b.Timestamp.time(now), source)
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	ConditionID  string   `json:"conditionId"`
	Slug         string   `json:"slug"`
	Active       flexBool `json:"active"`
	Closed       flexBool `json:"closed"`
	Outcomes     string   `json:"outcomes"`     // JSON-encoded: "[\"Up\",\"Down\"]"
	ClobTokenIDs string   `json:"clobTokenIds"` // JSON-encoded: "[\"123\",\"456\"]"
	NegRisk      bool     `json:"negRisk"`
	EndDateISO   string   `json:"endDate"`
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		NegRisk:     m.NegRisk,
		Active:      bool(m.Active) && !bool(m.Closed),
		Outcomes:    [2]string{"Up", "Down"},
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err == nil {
		for i := 0; i < len(outcomes) && i < 2; i++ {
			dm.Outcomes[i] = outcomes[i]
		}
	}
	var tokens []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err == nil {
		for i := 0; i < len(tokens) && i < 2; i++ {
			dm.TokenIDs[i] = tokens[i]
		}
	}
	if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		dm.EndDate = t
	}
	return dm
}

// --------------------------------------------------------------------------
// Market channel frames
// --------------------------------------------------------------------------

// marketFrame is the union of every market-channel message shape. The type
// and token keys vary between feed versions, hence the alternates.
type marketFrame struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	Topic     string `json:"topic"`

	AssetID      string `json:"asset_id"`
	AssetIDCamel string `json:"assetId"`
	Market       string `json:"market"`
	Asset        string `json:"asset"`

	Bids  []apiLevel `json:"bids"`
	Buys  []apiLevel `json:"buys"`
	Asks  []apiLevel `json:"asks"`
	Sells []apiLevel `json:"sells"`

	BestBid *flexFloat `json:"best_bid"`
	BestAsk *flexFloat `json:"best_ask"`
	Price   *flexFloat `json:"price"`

	PriceChanges      []priceChange `json:"price_changes"`
	PriceChangesCamel []priceChange `json:"priceChanges"`

	Timestamp flexMillis `json:"timestamp"`
}

type priceChange struct {
	AssetID string     `json:"asset_id"`
	BestBid *flexFloat `json:"best_bid"`
	BestAsk *flexFloat `json:"best_ask"`
}

func (f *marketFrame) kind() string {
	switch {
	case f.EventType != "":
		return f.EventType
	case f.Type != "":
		return f.Type
	}
	return f.Topic
}

func (f *marketFrame) token() string {
	for _, s := range []string{f.AssetID, f.AssetIDCamel, f.Market, f.Asset} {
		if s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(a, b []apiLevel) []apiLevel {
	if len(a) > 0 {
		return a
	}
	return b
}

// ParseMarketFrame normalizes one websocket message, which may hold a single
// object or a batch array. unknown is true when at least one element had an
// unrecognized type or lacked an instrument id.
func ParseMarketFrame(raw []byte, now time.Time) (events []domain.MarketEvent, unknown bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	var elems []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, false, err
		}
	} else {
		elems = []json.RawMessage{trimmed}
	}

	for _, el := range elems {
		var f marketFrame
		if err := json.Unmarshal(el, &f); err != nil {
			return events, unknown, err
		}
		ts := f.Timestamp.time(now)

		switch f.kind() {
		case "book":
			tok := f.token()
			if tok == "" {
				unknown = true
				continue
			}
			snap := domain.NewOrderBookSnapshot(tok,
				toLevels(firstNonEmpty(f.Bids, f.Buys)),
				toLevels(firstNonEmpty(f.Asks, f.Sells)),
				domain.TopOfBook{BestBid: f.BestBid.ptr(), BestAsk: f.BestAsk.ptr()},
				ts, "ws")
			events = append(events, domain.BookEvent(domain.EventBook, snap, el))

		case "price_change":
			changes := f.PriceChanges
			if len(changes) == 0 {
				changes = f.PriceChangesCamel
			}
			for _, pc := range changes {
				tok := pc.AssetID
				if tok == "" {
					tok = f.token()
				}
				if tok == "" || (pc.BestBid == nil && pc.BestAsk == nil) {
					continue
				}
				snap := domain.NewOrderBookSnapshot(tok, nil, nil,
					domain.TopOfBook{BestBid: pc.BestBid.ptr(), BestAsk: pc.BestAsk.ptr()},
					ts, "ws")
				events = append(events, domain.BookEvent(domain.EventQuote, snap, el))
			}

		case "last_trade_price":
			tok := f.token()
			if tok == "" || f.Price == nil {
				unknown = true
				continue
			}
			events = append(events, domain.MarketEvent{
				Timestamp: ts,
				Kind:      domain.EventTrade,
				TokenID:   tok,
				Price:     f.Price.ptr(),
				Source:    "ws",
				Raw:       el,
			})

		default:
			unknown = true
		}
	}
	return events, unknown, nil
}

// marketCommand is the subscription payload for the market channel. The
// initial handshake sets Type; later changes set Operation.
type marketCommand struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

// --------------------------------------------------------------------------
// Real-time data service (topic) frames
// --------------------------------------------------------------------------

type topicSubscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters,omitempty"`
}

type topicCommand struct {
	Action        string              `json:"action"`
	Subscriptions []topicSubscription `json:"subscriptions"`
}

type topicPayload struct {
	Token   string     `json:"token"`
	Asset   string     `json:"asset"`
	Symbol  string     `json:"symbol"`
	BestBid *flexFloat `json:"best_bid"`
	BestAsk *flexFloat `json:"best_ask"`
	Value   *flexFloat `json:"value"`

	Timestamp flexMillis `json:"timestamp"`
}

type topicFrame struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp flexMillis      `json:"timestamp"`
}

// ParseTopicFrame normalizes one real-time data message into at most one
// quote event. A frame without a payload object is read as the payload
// itself.
func ParseTopicFrame(raw []byte, now time.Time) (*domain.MarketEvent, bool, error) {
	var f topicFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false, err
	}
	body := []byte(f.Payload)
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		body = raw
	}
	var p topicPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false, err
	}
	tok := p.Token
	if tok == "" {
		tok = p.Asset
	}
	if tok == "" {
		tok = p.Symbol
	}
	bid, ask := p.BestBid.ptr(), p.BestAsk.ptr()
	if bid == nil && ask == nil && p.Value != nil {
		bid, ask = p.Value.ptr(), p.Value.ptr()
	}
	if tok == "" || (bid == nil && ask == nil) {
		return nil, true, nil
	}
	ts := p.Timestamp.time(f.Timestamp.time(now))
	snap := domain.NewOrderBookSnapshot(tok, nil, nil, domain.TopOfBook{BestBid: bid, BestAsk: ask}, ts, "rtds")
	ev := domain.BookEvent(domain.EventQuote, snap, raw)
	return &ev, false, nil
}
