package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusMatched OrderStatus = "matched"
	OrderStatusFailed  OrderStatus = "failed"
)

// Order is a probe-entry order on one outcome token. Prices and sizes are
// carried as floats; the signer converts them to integer amounts.
type Order struct {
	ID          string
	EntryID     string
	MarketID    string
	TokenID     string
	Side        OrderSide
	Type        OrderType
	Price       float64
	Size        float64
	MakerAmount *big.Int
	TakerAmount *big.Int
	Signature   string
	CreatedAt   time.Time
}

// OrderResult wraps the venue response after order submission.
type OrderResult struct {
	Success     bool
	OrderID     string
	Status      OrderStatus
	Message     string
	FilledPrice float64
	FilledSize  float64
}
