package alpaca

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/indicator"
)

var _ domain.MarketData = (*MarketData)(nil)

// MarketData builds snapshots from the latest trade and recent one-minute
// bars.
type MarketData struct {
	client   *Client
	lookback time.Duration
	now      func() time.Time
}

// NewMarketData creates a MarketData source. lookback bounds the bar window
// used for indicators.
func NewMarketData(client *Client, lookback time.Duration) *MarketData {
	if lookback <= 0 {
		lookback = 2 * time.Hour
	}
	return &MarketData{client: client, lookback: lookback, now: time.Now}
}

// GetSnapshot returns the latest price and indicators for symbol.
func (m *MarketData) GetSnapshot(ctx context.Context, symbol string) (domain.Snapshot, error) {
	venue := m.client.toVenue(symbol)

	trade, err := call(ctx, func() (*marketdata.Trade, error) {
		return m.client.data.GetLatestTrade(venue, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("alpaca: latest trade %s: %w", symbol, classify(err))
	}

	end := m.now()
	raw, err := call(ctx, func() ([]marketdata.Bar, error) {
		return m.client.data.GetBars(venue, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     end.Add(-m.lookback),
			End:       end,
		})
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("alpaca: bars %s: %w", symbol, classify(err))
	}

	return domain.Snapshot{
		Symbol:     symbol,
		Price:      trade.Price,
		Indicators: indicator.Compute(toBars(raw)),
		Timestamp:  trade.Timestamp,
	}, nil
}

func toBars(raw []marketdata.Bar) []domain.Bar {
	bars := make([]domain.Bar, len(raw))
	for i, b := range raw {
		bars[i] = domain.Bar{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		}
	}
	return bars
}
