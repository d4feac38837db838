// Package alpaca adapts the Alpaca trading and market data APIs to the
// domain brokerage and market data interfaces.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// Options configures the Alpaca clients.
type Options struct {
	APIKey    string
	APISecret string
	// BaseURL selects the trading endpoint, e.g. the paper endpoint.
	BaseURL string
	// Feed is the market data feed ("iex" or "sip").
	Feed string
	// SymbolSuffix is stripped from watchlist symbols before they are sent
	// to Alpaca, e.g. ".AX".
	SymbolSuffix string
	Timeout      time.Duration
}

// Client holds the trading and market data clients.
type Client struct {
	trading *alpaca.Client
	data    *marketdata.Client
	opts    Options
}

// NewClient creates Alpaca clients sharing one HTTP client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.Timeout}

	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			BaseURL:    opts.BaseURL,
			HTTPClient: httpClient,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			Feed:       marketdata.Feed(opts.Feed),
			HTTPClient: httpClient,
		}),
		opts: opts,
	}
}

// Health verifies credentials by fetching the account.
func (c *Client) Health(ctx context.Context) error {
	acct, err := call(ctx, func() (*alpaca.Account, error) { return c.trading.GetAccount() })
	if err != nil {
		return fmt.Errorf("alpaca: health: %w", classify(err))
	}
	if acct.TradingBlocked {
		return fmt.Errorf("alpaca: health: trading blocked for account %s", acct.AccountNumber)
	}
	return nil
}

// Balance returns the account's cash balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	acct, err := call(ctx, func() (*alpaca.Account, error) { return c.trading.GetAccount() })
	if err != nil {
		return 0, fmt.Errorf("alpaca: get account: %w", classify(err))
	}
	return acct.Cash.InexactFloat64(), nil
}

// AccountID returns the brokerage account number.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	acct, err := call(ctx, func() (*alpaca.Account, error) { return c.trading.GetAccount() })
	if err != nil {
		return "", fmt.Errorf("alpaca: get account: %w", classify(err))
	}
	return acct.AccountNumber, nil
}

// Shortable reports whether symbol can be sold short.
func (c *Client) Shortable(ctx context.Context, symbol string) (bool, error) {
	asset, err := call(ctx, func() (*alpaca.Asset, error) { return c.trading.GetAsset(c.toVenue(symbol)) })
	if err != nil {
		return false, fmt.Errorf("alpaca: get asset %s: %w", symbol, classify(err))
	}
	return asset.Tradable && asset.Shortable, nil
}

func (c *Client) toVenue(symbol string) string {
	if c.opts.SymbolSuffix == "" {
		return symbol
	}
	return strings.TrimSuffix(symbol, c.opts.SymbolSuffix)
}

// call runs a blocking SDK call and abandons it when ctx is done. The SDK
// itself takes no context; the HTTP client timeout bounds the goroutine.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// classify maps SDK errors onto domain sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
		case apiErr.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.Message)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", domain.ErrTransient, apiErr.StatusCode, apiErr.Message)
		case apiErr.StatusCode >= 400:
			return fmt.Errorf("%w: status %d: %s", domain.ErrOrderRejected, apiErr.StatusCode, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}
