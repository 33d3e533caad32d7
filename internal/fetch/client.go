// Package fetch retrieves A-share market data from the Eastmoney quote API.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mingxuanliu/stocksync/internal/db"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	quoteReferer     = "https://quote.eastmoney.com/center/"

	// Public quote-API token used by the Eastmoney web frontend.
	utToken = "7eea3edcaed734bea9cbfc24409ed989"

	// All A-shares: SZ main board + ChiNext, SH main board + STAR.
	allASharesFilter = "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23"

	// Shanghai composite index, used to probe the trading calendar.
	shanghaiIndexSecid = "1.000001"
	shanghaiIndexCode  = "000001.SH"

	// Trade dates inside kline rows.
	dateLayout = "2006-01-02"

	// beg/end query parameter format.
	compactDateLayout = "20060102"
)

// Client fetches stock listings and daily kline history from Eastmoney.
// A Client is safe for concurrent use; throttling is the caller's job.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an Eastmoney client with the specified configuration
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// Quote API envelope. rc is zero on success; data may be null.
type listResponse struct {
	Rc   int `json:"rc"`
	Data *struct {
		Total int `json:"total"`
		Diff  []struct {
			Code string `json:"f12"`
			Name string `json:"f14"`
		} `json:"diff"`
	} `json:"data"`
}

type klineResponse struct {
	Rc   int `json:"rc"`
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// FetchStockList retrieves the full A-share listing across the Shanghai,
// Shenzhen and Beijing boards. ST, *ST and delisted (退) names are dropped.
func (c *Client) FetchStockList(ctx context.Context) ([]db.Stock, error) {
	pageSize := c.config.ListPageSize

	stocks := make([]db.Stock, 0, 4096)
	seen := 0

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("pn", strconv.Itoa(page))
		q.Set("pz", strconv.Itoa(pageSize))
		q.Set("po", "1")
		q.Set("np", "1")
		q.Set("fltt", "2")
		q.Set("invt", "2")
		q.Set("fid", "f12") // sort by code so pagination is stable
		q.Set("fs", allASharesFilter)
		q.Set("fields", "f12,f14")

		var resp listResponse
		if err := c.getJSON(ctx, c.config.ListBaseURL, q, &resp); err != nil {
			return nil, &FetchError{Op: "stock list", Err: err}
		}
		if resp.Rc != 0 || resp.Data == nil {
			return nil, &FetchError{Op: "stock list", Err: fmt.Errorf("quote api rc=%d", resp.Rc)}
		}
		if len(resp.Data.Diff) == 0 {
			break
		}

		for _, row := range resp.Data.Diff {
			seen++
			if isExcludedName(row.Name) {
				continue
			}
			stock, ok := newListedStock(row.Code, row.Name)
			if !ok {
				continue
			}
			stocks = append(stocks, stock)
		}

		if seen >= resp.Data.Total {
			break
		}
	}

	c.logger.Info("fetched stock list", "listed", seen, "kept", len(stocks))
	return stocks, nil
}

// FetchHistory retrieves daily forward-adjusted OHLCV bars for one stock
// over the window, in ascending trade-date order. A window that covers no
// trading days yields an empty slice, not an error.
func (c *Client) FetchHistory(ctx context.Context, tsCode string, window Window) ([]db.KlineBar, error) {
	secid, err := secidFor(tsCode)
	if err != nil {
		return nil, &FetchError{TsCode: tsCode, Op: "kline history", Err: err}
	}

	bars, err := c.fetchKlines(ctx, secid, tsCode, window)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched kline history",
		"ts_code", tsCode,
		"mode", window.Mode,
		"bars", len(bars))
	return bars, nil
}

// LatestTradeDate reports the most recent completed trading day, read from
// the Shanghai composite index kline tail and clamped to today. When the
// quote API call fails it falls back to yesterday rolled back past the
// weekend; only context cancellation surfaces as an error.
func (c *Client) LatestTradeDate(ctx context.Context) (time.Time, error) {
	today := midnight(time.Now().UTC())

	window := Window{Start: today.AddDate(0, 0, -14), End: today}
	bars, err := c.fetchKlines(ctx, shanghaiIndexSecid, shanghaiIndexCode, window)
	if err == nil && len(bars) > 0 {
		latest := midnight(bars[len(bars)-1].TradeDate)
		if latest.After(today) {
			return today, nil
		}
		return latest, nil
	}

	if ctx.Err() != nil {
		return time.Time{}, &FetchError{TsCode: shanghaiIndexCode, Op: "latest trade date", Err: ctx.Err()}
	}
	if err != nil {
		c.logger.Warn("latest trade date probe failed, falling back to calendar", "error", err)
	}

	return lastWeekday(today), nil
}

// fetchKlines is the shared kline request path for stocks and indexes
func (c *Client) fetchKlines(ctx context.Context, secid, tsCode string, window Window) ([]db.KlineBar, error) {
	q := url.Values{}
	q.Set("secid", secid)
	q.Set("ut", utToken)
	q.Set("klt", "101") // daily bars
	q.Set("fqt", "1")   // forward-adjusted prices
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")
	q.Set("beg", window.Start.Format(compactDateLayout))
	q.Set("end", window.End.Format(compactDateLayout))

	var resp klineResponse
	if err := c.getJSON(ctx, c.config.KlineBaseURL, q, &resp); err != nil {
		return nil, &FetchError{TsCode: tsCode, Op: "kline history", Err: err}
	}
	if resp.Rc != 0 {
		return nil, &FetchError{TsCode: tsCode, Op: "kline history", Err: fmt.Errorf("quote api rc=%d", resp.Rc)}
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return []db.KlineBar{}, nil
	}

	bars := make([]db.KlineBar, 0, len(resp.Data.Klines))
	for _, row := range resp.Data.Klines {
		bar, err := parseKlineRow(tsCode, row)
		if err != nil {
			return nil, &FetchError{TsCode: tsCode, Op: "kline history", Err: err}
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

// getJSON issues one GET against the quote API and decodes the JSON body
func (c *Client) getJSON(ctx context.Context, baseURL string, query url.Values, out any) error {
	query.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Referer", quoteReferer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// parseKlineRow splits one comma-joined kline row. Field order follows
// fields2: date,open,close,high,low,volume,amount,amplitude,pct_chg,change,turnover.
func parseKlineRow(tsCode, row string) (db.KlineBar, error) {
	fields := strings.Split(row, ",")
	if len(fields) != 11 {
		return db.KlineBar{}, fmt.Errorf("malformed kline row %q: want 11 fields, got %d", row, len(fields))
	}

	tradeDate, err := time.Parse(dateLayout, fields[0])
	if err != nil {
		return db.KlineBar{}, fmt.Errorf("malformed kline row %q: %w", row, err)
	}

	nums := make([]float64, 10)
	for i, raw := range fields[1:] {
		if raw == "-" {
			continue // quote api emits "-" for missing numerics
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return db.KlineBar{}, fmt.Errorf("malformed kline row %q: %w", row, err)
		}
		nums[i] = n
	}

	return db.KlineBar{
		TsCode:    tsCode,
		TradeDate: tradeDate,
		Open:      nums[0],
		Close:     nums[1],
		High:      nums[2],
		Low:       nums[3],
		Volume:    int64(nums[4]),
		Amount:    nums[5],
		Amplitude: nums[6],
		PctChg:    nums[7],
		Change:    nums[8],
		Turnover:  nums[9],
	}, nil
}

// secidFor builds the quote-API security id: market prefix "1." for
// Shanghai listings, "0." for Shenzhen and Beijing.
func secidFor(tsCode string) (string, error) {
	symbol, _, ok := strings.Cut(tsCode, ".")
	if !ok || len(symbol) != 6 {
		return "", fmt.Errorf("malformed ts_code %q", tsCode)
	}

	if strings.HasPrefix(symbol, "6") {
		return "1." + symbol, nil
	}
	return "0." + symbol, nil
}

// newListedStock maps one clist row to a Stock. Rows with symbols outside
// the known exchanges are dropped.
func newListedStock(symbol, name string) (db.Stock, bool) {
	suffix, board := classifySymbol(symbol)
	if suffix == "" {
		return db.Stock{}, false
	}

	return db.Stock{
		TsCode:   symbol + suffix,
		Symbol:   symbol,
		Name:     name,
		Market:   board,
		IsActive: true,
	}, true
}

// classifySymbol returns the exchange suffix and board for a bare symbol:
// 6xxxxx trades in Shanghai, 0xxxxx/3xxxxx in Shenzhen, 4xxxxx/8xxxxx in Beijing.
func classifySymbol(symbol string) (suffix, board string) {
	if len(symbol) != 6 {
		return "", ""
	}

	switch {
	case strings.HasPrefix(symbol, "688"):
		return ".SH", "科创板"
	case strings.HasPrefix(symbol, "6"):
		return ".SH", "主板"
	case strings.HasPrefix(symbol, "3"):
		return ".SZ", "创业板"
	case strings.HasPrefix(symbol, "0"):
		return ".SZ", "主板"
	case strings.HasPrefix(symbol, "4"), strings.HasPrefix(symbol, "8"):
		return ".BJ", "北交所"
	default:
		return "", ""
	}
}

// isExcludedName reports special-treatment (ST, *ST) and delisting (退) names
func isExcludedName(name string) bool {
	return strings.Contains(name, "ST") || strings.Contains(name, "退")
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// lastWeekday rolls yesterday back past the weekend: Saturday and Sunday
// both resolve to the preceding Friday.
func lastWeekday(today time.Time) time.Time {
	d := today.AddDate(0, 0, -1)
	switch d.Weekday() {
	case time.Saturday:
		d = d.AddDate(0, 0, -1)
	case time.Sunday:
		d = d.AddDate(0, 0, -2)
	}
	return d
}
