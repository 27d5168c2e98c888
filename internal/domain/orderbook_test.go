package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderBookSnapshotDerivesFromLevels(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	snap := NewOrderBookSnapshot("tok",
		[]PriceLevel{{Price: 0.40, Size: 5}, {Price: 0.45, Size: 2}},
		[]PriceLevel{{Price: 0.55, Size: 3}, {Price: 0.50, Size: 7}},
		TopOfBook{}, ts, "ws")

	require.NotNil(t, snap.BestBid)
	require.NotNil(t, snap.BestAsk)
	assert.InDelta(t, 0.45, *snap.BestBid, 1e-9)
	assert.InDelta(t, 0.50, *snap.BestAsk, 1e-9)
	assert.InDelta(t, 7, *snap.BestAskSize, 1e-9)
	require.NotNil(t, snap.SpreadPct)
	assert.InDelta(t, 0.10, *snap.SpreadPct, 1e-9)
	assert.Equal(t, 0.45, snap.Bids[0].Price)
	assert.Equal(t, 0.50, snap.Asks[0].Price)
}

func TestNewOrderBookSnapshotPrefersExplicitTop(t *testing.T) {
	snap := NewOrderBookSnapshot("tok",
		[]PriceLevel{{Price: 0.40, Size: 5}},
		[]PriceLevel{{Price: 0.60, Size: 3}},
		TopOfBook{BestBid: Float(0.48), BestAsk: Float(0.52)}, time.Now(), "ws")

	assert.InDelta(t, 0.48, *snap.BestBid, 1e-9)
	assert.InDelta(t, 0.52, *snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.04, *snap.Spread, 1e-9)
}

func TestNewOrderBookSnapshotOneSidedHasNoSpread(t *testing.T) {
	snap := NewOrderBookSnapshot("tok", nil, []PriceLevel{{Price: 0.6, Size: 1}}, TopOfBook{}, time.Now(), "rest")
	assert.Nil(t, snap.BestBid)
	assert.Nil(t, snap.Spread)
	assert.Nil(t, snap.SpreadPct)

	mid, ok := snap.Mid()
	assert.True(t, ok)
	assert.InDelta(t, 0.6, mid, 1e-9)
}

func TestNewOrderBookSnapshotCrossedBookHasNoSpread(t *testing.T) {
	snap := NewOrderBookSnapshot("tok", nil, nil,
		TopOfBook{BestBid: Float(0.7), BestAsk: Float(0.6)}, time.Now(), "ws")
	assert.Nil(t, snap.SpreadPct)
}

func TestCloneIsIndependent(t *testing.T) {
	snap := NewOrderBookSnapshot("tok", []PriceLevel{{Price: 0.4, Size: 1}}, nil, TopOfBook{}, time.Now(), "ws")
	cp := snap.Clone()
	*cp.BestBid = 0.9
	cp.Bids[0].Size = 100

	assert.InDelta(t, 0.4, *snap.BestBid, 1e-9)
	assert.InDelta(t, 1, snap.Bids[0].Size, 1e-9)
}

func TestStatusAllows(t *testing.T) {
	cases := []struct {
		status TradeStatus
		action Action
		want   bool
	}{
		{StatusPending, ActionAdd, true},
		{StatusAdded, ActionAdd, true},
		{StatusHedged, ActionAdd, false},
		{StatusHedged, ActionHedge, true},
		{StatusAdded, ActionExit, true},
		{StatusExited, ActionExit, false},
		{StatusTimeout, ActionHedge, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.status.Allows(c.action), "%s %s", c.status, c.action)
	}
}

func TestParseActionAcceptsCloseAlias(t *testing.T) {
	a, ok := ParseAction(" close ")
	require.True(t, ok)
	assert.Equal(t, ActionExit, a)

	_, ok = ParseAction("BUY")
	assert.False(t, ok)
}

func TestDirectionalPnL(t *testing.T) {
	assert.InDelta(t, 0.2, DirectionalPnL(SideUp, 0.4, 0.6, 1), 1e-9)
	assert.InDelta(t, -0.2, DirectionalPnL(SideDown, 0.4, 0.6, 1), 1e-9)
}
