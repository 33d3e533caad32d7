// Package testutil provides shared mocks and helpers for engine tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/fetch"
)

// MockStore is an in-memory stand-in for the kline store. Bulk upserts
// advance the per-stock latest dates the way the real store does.
type MockStore struct {
	mu         sync.Mutex
	items      []db.SyncItem
	latest     map[string]*time.Time
	flushes    [][]db.KlineBar
	itemsErr   error
	latestErr  error
	writeErr   error
	failNext   int
	failWith   error
	writeDelay time.Duration
}

func NewMockStore() *MockStore {
	return &MockStore{
		latest: make(map[string]*time.Time),
	}
}

func (m *MockStore) SetSyncItems(items []db.SyncItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
	for _, it := range items {
		m.latest[it.TsCode] = it.LatestDate
	}
}

func (m *MockStore) SetLatest(tsCode string, latest *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[tsCode] = latest
}

func (m *MockStore) SetItemsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsErr = err
}

func (m *MockStore) SetLatestError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestErr = err
}

// SetWriteError makes every subsequent flush fail
func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailNextFlushes makes only the next n flushes fail
func (m *MockStore) FailNextFlushes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failWith = err
}

func (m *MockStore) SetWriteDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = delay
}

func (m *MockStore) SyncItems() ([]db.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.itemsErr != nil {
		return nil, m.itemsErr
	}
	items := make([]db.SyncItem, len(m.items))
	copy(items, m.items)
	return items, nil
}

func (m *MockStore) LatestKlineDate(tsCode string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	if latest, ok := m.latest[tsCode]; ok && latest != nil {
		t := *latest
		return &t, nil
	}
	return nil, nil
}

func (m *MockStore) BulkUpsertKlines(bars []db.KlineBar) error {
	m.mu.Lock()
	delay := m.writeDelay
	err := m.writeErr
	if err == nil && m.failNext > 0 {
		m.failNext--
		err = m.failWith
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	flush := make([]db.KlineBar, len(bars))
	copy(flush, bars)
	m.flushes = append(m.flushes, flush)
	for _, bar := range bars {
		if cur := m.latest[bar.TsCode]; cur == nil || bar.TradeDate.After(*cur) {
			d := bar.TradeDate
			m.latest[bar.TsCode] = &d
		}
	}
	return nil
}

// FlushCount returns how many bulk upserts succeeded
func (m *MockStore) FlushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flushes)
}

// Flushes returns a copy of every successful bulk upsert, in order
func (m *MockStore) Flushes() [][]db.KlineBar {
	m.mu.Lock()
	defer m.mu.Unlock()
	flushes := make([][]db.KlineBar, len(m.flushes))
	copy(flushes, m.flushes)
	return flushes
}

// WrittenCount returns the total number of persisted bars
func (m *MockStore) WrittenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, flush := range m.flushes {
		n += len(flush)
	}
	return n
}

// MockFetcher returns scripted bar sets with optional latency and per-code
// failures, and records its peak concurrency.
type MockFetcher struct {
	mu          sync.Mutex
	bars        map[string][]db.KlineBar
	barsFn      func(tsCode string, window fetch.Window) []db.KlineBar
	errs        map[string]error
	latency     time.Duration
	latencyFn   func() time.Duration
	calls       []string
	windows     map[string]fetch.Window
	inflight    int
	maxInflight int
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		bars:    make(map[string][]db.KlineBar),
		errs:    make(map[string]error),
		windows: make(map[string]fetch.Window),
	}
}

// SetBars scripts the result for one ts_code
func (m *MockFetcher) SetBars(tsCode string, bars []db.KlineBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[tsCode] = bars
}

// SetBarsFunc scripts results dynamically; it takes precedence over SetBars
func (m *MockFetcher) SetBarsFunc(fn func(tsCode string, window fetch.Window) []db.KlineBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barsFn = fn
}

// SetError makes fetches for one ts_code fail
func (m *MockFetcher) SetError(tsCode string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[tsCode] = err
}

func (m *MockFetcher) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetLatencyFunc scripts per-call latency, e.g. randomized delays
func (m *MockFetcher) SetLatencyFunc(fn func() time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyFn = fn
}

func (m *MockFetcher) FetchHistory(ctx context.Context, tsCode string, window fetch.Window) ([]db.KlineBar, error) {
	m.mu.Lock()
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	m.calls = append(m.calls, tsCode)
	m.windows[tsCode] = window
	delay := m.latency
	if m.latencyFn != nil {
		delay = m.latencyFn()
	}
	err := m.errs[tsCode]
	var bars []db.KlineBar
	if m.barsFn != nil {
		bars = m.barsFn(tsCode, window)
	} else {
		bars = m.bars[tsCode]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// Calls returns the fetched ts_codes in completion order
func (m *MockFetcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]string, len(m.calls))
	copy(calls, m.calls)
	return calls
}

func (m *MockFetcher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Window returns the last window requested for a ts_code
func (m *MockFetcher) Window(tsCode string) (fetch.Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[tsCode]
	return w, ok
}

// MaxInflight returns the peak number of concurrent fetches observed
func (m *MockFetcher) MaxInflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

// MockProvider implements the full market-data surface: scripted fetches
// plus a stock list and trading-calendar probe.
type MockProvider struct {
	*MockFetcher
	listMu    sync.Mutex
	stocks    []db.Stock
	listErr   error
	tradeDate time.Time
	tradeErr  error
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		MockFetcher: NewMockFetcher(),
		tradeDate:   time.Now().UTC().Truncate(24 * time.Hour),
	}
}

func (m *MockProvider) SetStocks(stocks []db.Stock) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	m.stocks = stocks
}

func (m *MockProvider) SetListError(err error) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	m.listErr = err
}

func (m *MockProvider) SetTradeDate(t time.Time) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	m.tradeDate = t
}

func (m *MockProvider) SetTradeDateError(err error) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	m.tradeErr = err
}

func (m *MockProvider) FetchStockList(ctx context.Context) ([]db.Stock, error) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	stocks := make([]db.Stock, len(m.stocks))
	copy(stocks, m.stocks)
	return stocks, nil
}

func (m *MockProvider) LatestTradeDate(ctx context.Context) (time.Time, error) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	if m.tradeErr != nil {
		return time.Time{}, m.tradeErr
	}
	return m.tradeDate, nil
}

// MakeBars builds n consecutive daily bars for tsCode ending today (UTC)
func MakeBars(tsCode string, n int) []db.KlineBar {
	bars := make([]db.KlineBar, 0, n)
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for i := n - 1; i >= 0; i-- {
		bars = append(bars, db.KlineBar{
			TsCode:    tsCode,
			TradeDate: day.AddDate(0, 0, -i),
			Open:      10.0,
			Close:     10.5,
			High:      10.8,
			Low:       9.9,
			Volume:    1000,
			Amount:    10500,
		})
	}
	return bars
}

// TestLogger captures structured logs for assertions
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{entries: make([]LogEntry, 0)}
}

func (l *TestLogger) record(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		entry.Fields[key] = fields[i+1]
	}
	l.entries = append(l.entries, entry)
}

func (l *TestLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]LogEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// EntriesByMessage returns every captured entry with the given message
func (l *TestLogger) EntriesByMessage(msg string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	matched := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Message == msg {
			matched = append(matched, entry)
		}
	}
	return matched
}

func (l *TestLogger) HasError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.Level == "ERROR" {
			return true
		}
	}
	return false
}

func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// Logger returns a *slog.Logger that records into this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{logger: l})
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureHandler implements slog.Handler for TestLogger
type captureHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}
	h.logger.record(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &captureHandler{logger: h.logger, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler {
	return h
}

// WaitFor polls a condition until it holds or the timeout expires
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestingT is the minimal testing surface WaitFor needs
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
