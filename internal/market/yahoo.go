package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultYahooURL = "https://query1.finance.yahoo.com"
	yahooSource     = "yfinance"
)

// YahooConfig configures the Yahoo chart API client.
type YahooConfig struct {
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	MaxRetries uint
}

// Yahoo is a Provider backed by the public chart endpoint.
type Yahoo struct {
	cfg    YahooConfig
	client *http.Client
	logger *slog.Logger
}

// NewYahoo creates a Yahoo client.
func NewYahoo(cfg YahooConfig, logger *slog.Logger) *Yahoo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultYahooURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; marketclaw/1.0)"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default().With("module", "market")
	}
	return &Yahoo{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Symbol             string   `json:"symbol"`
		Currency           string   `json:"currency"`
		ExchangeName       string   `json:"exchangeName"`
		InstrumentType     string   `json:"instrumentType"`
		ShortName          string   `json:"shortName"`
		LongName           string   `json:"longName"`
		RegularMarketPrice *float64 `json:"regularMarketPrice"`
		RegularMarketTime  int64    `json:"regularMarketTime"`
		ChartPreviousClose float64  `json:"chartPreviousClose"`
		PreviousClose      float64  `json:"previousClose"`
		DayHigh            float64  `json:"regularMarketDayHigh"`
		DayLow             float64  `json:"regularMarketDayLow"`
		Volume             *int64   `json:"regularMarketVolume"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

// httpStatusError is returned for non-2xx responses.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("yahoo: http %d: %s", e.status, e.body)
}

func (y *Yahoo) chart(ctx context.Context, symbol string, query url.Values) (*chartResult, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s",
		strings.TrimRight(y.cfg.BaseURL, "/"), url.PathEscape(symbol), query.Encode())

	op := func() (*chartResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", y.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := y.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &httpStatusError{status: resp.StatusCode, body: truncate(string(body), 200)}
		}

		var parsed chartResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			if resp.StatusCode >= 300 {
				return nil, backoff.Permanent(&httpStatusError{status: resp.StatusCode, body: truncate(string(body), 200)})
			}
			return nil, backoff.Permanent(fmt.Errorf("yahoo: decode chart: %w", err))
		}
		return &parsed, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	parsed, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(y.cfg.MaxRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			y.logger.Warn("Yahoo request failed, retrying", "symbol", symbol, "error", err, "delay", d)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("fetch %s: %w: %s", symbol, ErrNoData, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, fmt.Errorf("fetch %s: %w", symbol, ErrNoData)
	}
	return &parsed.Chart.Result[0], nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Quote returns the latest regular-market price.
func (y *Yahoo) Quote(ctx context.Context, symbol string) (*Quote, error) {
	res, err := y.chart(ctx, symbol, url.Values{"interval": {"1d"}, "range": {"1d"}})
	if err != nil {
		return nil, err
	}
	m := res.Meta
	if m.RegularMarketPrice == nil {
		return nil, fmt.Errorf("fetch %s: %w: no market price", symbol, ErrNoData)
	}
	ts := time.Now().UTC()
	if m.RegularMarketTime > 0 {
		ts = time.Unix(m.RegularMarketTime, 0).UTC()
	}
	prev := m.PreviousClose
	if prev == 0 {
		prev = m.ChartPreviousClose
	}
	name := m.ShortName
	if name == "" {
		name = m.LongName
	}
	return &Quote{
		Symbol:        symbol,
		Name:          name,
		Price:         *m.RegularMarketPrice,
		PreviousClose: prev,
		DayHigh:       m.DayHigh,
		DayLow:        m.DayLow,
		Volume:        m.Volume,
		Currency:      m.Currency,
		Timestamp:     ts,
		Source:        yahooSource,
	}, nil
}

// History returns bars between start and end. A zero end means now.
// Rows with missing prices are skipped.
func (y *Yahoo) History(ctx context.Context, symbol string, start, end time.Time, interval string) ([]Bar, error) {
	if !ValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	if end.IsZero() {
		end = time.Now()
	}
	q := url.Values{
		"interval": {interval},
		"period1":  {strconv.FormatInt(start.Unix(), 10)},
		"period2":  {strconv.FormatInt(end.Unix(), 10)},
		"events":   {"history"},
	}
	res, err := y.chart(ctx, symbol, q)
	if err != nil {
		return nil, err
	}
	if len(res.Indicators.Quote) == 0 {
		return nil, nil
	}
	quote := res.Indicators.Quote[0]
	var adj []*float64
	if len(res.Indicators.AdjClose) > 0 {
		adj = res.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == nil || h == nil || l == nil || c == nil {
			continue
		}
		b := Bar{Date: time.Unix(ts, 0).UTC(), Open: *o, High: *h, Low: *l, Close: *c, AdjClose: *c}
		if v := at(quote.Volume, i); v != nil {
			b.Volume = *v
		}
		if a := at(adj, i); a != nil {
			b.AdjClose = *a
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func at[T any](s []*T, i int) *T {
	if i < len(s) {
		return s[i]
	}
	return nil
}

// Lookup resolves a symbol's name and exchange.
func (y *Yahoo) Lookup(ctx context.Context, symbol string) (*Instrument, error) {
	res, err := y.chart(ctx, symbol, url.Values{"interval": {"1d"}, "range": {"1d"}})
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return &Instrument{Symbol: symbol}, nil
		}
		return nil, err
	}
	m := res.Meta
	name := m.ShortName
	if name == "" {
		name = m.LongName
	}
	return &Instrument{
		Symbol:   symbol,
		Name:     name,
		Exchange: m.ExchangeName,
		Currency: m.Currency,
		Type:     m.InstrumentType,
		Tradable: m.RegularMarketPrice != nil,
	}, nil
}
