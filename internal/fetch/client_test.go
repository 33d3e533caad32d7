package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a client pointed at test servers with a small page size
func newTestClient(t *testing.T, klineURL, listURL string) *Client {
	t.Helper()

	config := DefaultConfig()
	config.KlineBaseURL = klineURL
	config.ListBaseURL = listURL
	config.Timeout = 5 * time.Second
	config.ListPageSize = 3

	client, err := NewClient(config, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

// serveList fakes the clist endpoint with fixed pages of [code, name] rows
func serveList(t *testing.T, pages map[string][][2]string, total int) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		diff := make([]map[string]string, 0)
		for _, row := range pages[r.URL.Query().Get("pn")] {
			diff = append(diff, map[string]string{"f12": row[0], "f14": row[1]})
		}

		json.NewEncoder(w).Encode(map[string]any{
			"rc":   0,
			"data": map[string]any{"total": total, "diff": diff},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

// serveKlines fakes the kline endpoint with one fixed set of rows
func serveKlines(t *testing.T, rows []string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rc":   0,
			"data": map[string]any{"code": "test", "klines": rows},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

// klineRow builds one well-formed 11-field row for a trade date
func klineRow(date string) string {
	return date + ",3400.1,3420.5,3433.2,3395.8,123456,987654321,1.1,0.6,20.4,0.9"
}

func TestNewClient_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.KlineBaseURL = ""

	if _, err := NewClient(config, testLogger()); err == nil {
		t.Fatal("expected error for empty KlineBaseURL")
	}
}

func TestFetchStockList_Pagination(t *testing.T) {
	pages := map[string][][2]string{
		"1": {{"000001", "平安银行"}, {"300750", "宁德时代"}, {"600519", "贵州茅台"}},
		"2": {{"688111", "金山办公"}, {"830799", "艾融软件"}},
	}
	server := serveList(t, pages, 5)
	client := newTestClient(t, server.URL, server.URL)

	stocks, err := client.FetchStockList(context.Background())
	if err != nil {
		t.Fatalf("FetchStockList failed: %v", err)
	}

	if len(stocks) != 5 {
		t.Fatalf("expected 5 stocks across pages, got %d", len(stocks))
	}

	want := []struct {
		tsCode string
		market string
	}{
		{"000001.SZ", "主板"},
		{"300750.SZ", "创业板"},
		{"600519.SH", "主板"},
		{"688111.SH", "科创板"},
		{"830799.BJ", "北交所"},
	}
	for i, w := range want {
		if stocks[i].TsCode != w.tsCode {
			t.Errorf("stock %d: expected ts_code %s, got %s", i, w.tsCode, stocks[i].TsCode)
		}
		if stocks[i].Market != w.market {
			t.Errorf("stock %d: expected market %s, got %s", i, w.market, stocks[i].Market)
		}
		if !stocks[i].IsActive {
			t.Errorf("stock %d: expected active", i)
		}
	}
}

func TestFetchStockList_RequestParams(t *testing.T) {
	var query map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if query == nil {
			query = map[string]string{}
			for key := range r.URL.Query() {
				query[key] = r.URL.Query().Get(key)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rc":   0,
			"data": map[string]any{"total": 0, "diff": []map[string]string{}},
		})
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)
	if _, err := client.FetchStockList(context.Background()); err != nil {
		t.Fatalf("FetchStockList failed: %v", err)
	}

	if query["fs"] != allASharesFilter {
		t.Errorf("expected fs %q, got %q", allASharesFilter, query["fs"])
	}
	if query["fields"] != "f12,f14" {
		t.Errorf("expected fields f12,f14, got %q", query["fields"])
	}
	if query["pz"] != "3" {
		t.Errorf("expected pz 3, got %q", query["pz"])
	}
	if query["pn"] != "1" {
		t.Errorf("expected first page pn 1, got %q", query["pn"])
	}
}

func TestFetchStockList_FiltersSpecialTreatment(t *testing.T) {
	pages := map[string][][2]string{
		"1": {
			{"000001", "平安银行"},
			{"000002", "ST华控"},
			{"600001", "*ST星源"},
			{"600002", "退市大宇"},
			{"600519", "贵州茅台"},
		},
	}
	server := serveList(t, pages, 5)

	config := DefaultConfig()
	config.KlineBaseURL = server.URL
	config.ListBaseURL = server.URL
	config.ListPageSize = 10
	client, err := NewClient(config, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	stocks, err := client.FetchStockList(context.Background())
	if err != nil {
		t.Fatalf("FetchStockList failed: %v", err)
	}

	if len(stocks) != 2 {
		t.Fatalf("expected 2 stocks after ST filtering, got %d", len(stocks))
	}
	if stocks[0].Name != "平安银行" || stocks[1].Name != "贵州茅台" {
		t.Errorf("unexpected survivors: %s, %s", stocks[0].Name, stocks[1].Name)
	}
}

func TestFetchStockList_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"rc": 102, "data": nil})
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)

	_, err := client.FetchStockList(context.Background())
	if err == nil {
		t.Fatal("expected error for non-zero rc")
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fe.Op != "stock list" {
		t.Errorf("expected op 'stock list', got %q", fe.Op)
	}
}

func TestFetchStockList_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)

	_, err := client.FetchStockList(context.Background())
	if err == nil {
		t.Fatal("expected error for HTTP 502")
	}
	if !strings.Contains(err.Error(), "http status 502") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestFetchHistory_ParsesBars(t *testing.T) {
	rows := []string{
		"2026-08-19,1710.0,1725.5,1731.2,1705.1,25000,4287500000,1.53,0.91,15.5,0.2",
		"2026-08-20,1726.0,1718.3,1729.9,1712.4,21800,3745900000,1.01,-0.42,-7.2,0.18",
	}
	server := serveKlines(t, rows)
	client := newTestClient(t, server.URL, server.URL)

	window := Window{Start: mustDate(t, "2026-08-19"), End: mustDate(t, "2026-08-20"), Mode: ModeIncremental}
	bars, err := client.FetchHistory(context.Background(), "600519.SH", window)
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}

	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}

	first := bars[0]
	if first.TsCode != "600519.SH" {
		t.Errorf("expected ts_code 600519.SH, got %s", first.TsCode)
	}
	if got := first.TradeDate.Format(dateLayout); got != "2026-08-19" {
		t.Errorf("expected trade date 2026-08-19, got %s", got)
	}
	// Row order is date,open,close,high,low: close comes before high.
	if first.Open != 1710.0 || first.Close != 1725.5 || first.High != 1731.2 || first.Low != 1705.1 {
		t.Errorf("OHLC mismatch: %+v", first)
	}
	if first.Volume != 25000 {
		t.Errorf("expected volume 25000, got %d", first.Volume)
	}
	if first.Amount != 4287500000 {
		t.Errorf("expected amount 4287500000, got %f", first.Amount)
	}
	if first.PctChg != 0.91 {
		t.Errorf("expected pct_chg 0.91, got %f", first.PctChg)
	}

	second := bars[1]
	if second.Change != -7.2 || second.PctChg != -0.42 {
		t.Errorf("expected negative change fields, got %+v", second)
	}
}

func TestFetchHistory_RequestParams(t *testing.T) {
	var query map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for key := range r.URL.Query() {
			query[key] = r.URL.Query().Get(key)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rc":   0,
			"data": map[string]any{"code": "600519", "klines": []string{}},
		})
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)
	window := Window{Start: mustDate(t, "2023-08-25"), End: mustDate(t, "2026-08-25"), Mode: ModeFull}

	if _, err := client.FetchHistory(context.Background(), "600519.SH", window); err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}

	if query["secid"] != "1.600519" {
		t.Errorf("expected secid 1.600519, got %q", query["secid"])
	}
	if query["klt"] != "101" {
		t.Errorf("expected daily klt 101, got %q", query["klt"])
	}
	if query["fqt"] != "1" {
		t.Errorf("expected forward-adjusted fqt 1, got %q", query["fqt"])
	}
	if query["beg"] != "20230825" {
		t.Errorf("expected beg 20230825, got %q", query["beg"])
	}
	if query["end"] != "20260825" {
		t.Errorf("expected end 20260825, got %q", query["end"])
	}
	if query["fields2"] != "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61" {
		t.Errorf("unexpected fields2 %q", query["fields2"])
	}
}

func TestFetchHistory_SecidPrefixes(t *testing.T) {
	tests := []struct {
		tsCode string
		secid  string
	}{
		{"600519.SH", "1.600519"},
		{"688111.SH", "1.688111"},
		{"000001.SZ", "0.000001"},
		{"300750.SZ", "0.300750"},
		{"830799.BJ", "0.830799"},
		{"430047.BJ", "0.430047"},
	}

	var gotSecid string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecid = r.URL.Query().Get("secid")
		json.NewEncoder(w).Encode(map[string]any{
			"rc":   0,
			"data": map[string]any{"code": "test", "klines": []string{}},
		})
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)
	window := Window{Start: mustDate(t, "2026-08-01"), End: mustDate(t, "2026-08-25"), Mode: ModeIncremental}

	for _, tt := range tests {
		if _, err := client.FetchHistory(context.Background(), tt.tsCode, window); err != nil {
			t.Fatalf("FetchHistory(%s) failed: %v", tt.tsCode, err)
		}
		if gotSecid != tt.secid {
			t.Errorf("%s: expected secid %s, got %s", tt.tsCode, tt.secid, gotSecid)
		}
	}
}

func TestFetchHistory_EmptyWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"rc": 0, "data": nil})
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)
	window := Window{Start: mustDate(t, "2026-08-22"), End: mustDate(t, "2026-08-23"), Mode: ModeIncremental}

	bars, err := client.FetchHistory(context.Background(), "600519.SH", window)
	if err != nil {
		t.Fatalf("expected no error for empty window, got %v", err)
	}
	if bars == nil {
		t.Error("expected empty slice, got nil")
	}
	if len(bars) != 0 {
		t.Errorf("expected no bars, got %d", len(bars))
	}
}

func TestFetchHistory_MalformedRow(t *testing.T) {
	server := serveKlines(t, []string{"2026-08-19,1710.0"})
	client := newTestClient(t, server.URL, server.URL)

	window := Window{Start: mustDate(t, "2026-08-19"), End: mustDate(t, "2026-08-19"), Mode: ModeIncremental}
	_, err := client.FetchHistory(context.Background(), "600519.SH", window)
	if err == nil {
		t.Fatal("expected error for short row")
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fe.TsCode != "600519.SH" {
		t.Errorf("expected ts_code on error, got %q", fe.TsCode)
	}
	if !strings.Contains(err.Error(), "malformed kline row") {
		t.Errorf("expected malformed row message, got %v", err)
	}
}

func TestFetchHistory_MissingNumericDash(t *testing.T) {
	// First-day rows carry "-" where no prior close exists.
	server := serveKlines(t, []string{"2026-08-19,1710.0,1725.5,1731.2,1705.1,25000,4287500000,-,-,-,0.2"})
	client := newTestClient(t, server.URL, server.URL)

	window := Window{Start: mustDate(t, "2026-08-19"), End: mustDate(t, "2026-08-19"), Mode: ModeFull}
	bars, err := client.FetchHistory(context.Background(), "600519.SH", window)
	if err != nil {
		t.Fatalf("expected dash fields to parse as zero, got %v", err)
	}

	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	if bars[0].Amplitude != 0 || bars[0].PctChg != 0 || bars[0].Change != 0 {
		t.Errorf("expected zeroed missing fields, got %+v", bars[0])
	}
	if bars[0].Turnover != 0.2 {
		t.Errorf("expected turnover 0.2, got %f", bars[0].Turnover)
	}
}

func TestFetchHistory_MalformedTsCode(t *testing.T) {
	server := serveKlines(t, nil)
	client := newTestClient(t, server.URL, server.URL)

	window := Window{Start: mustDate(t, "2026-08-19"), End: mustDate(t, "2026-08-25"), Mode: ModeIncremental}
	_, err := client.FetchHistory(context.Background(), "600519", window)
	if err == nil {
		t.Fatal("expected error for ts_code without exchange suffix")
	}
	if !strings.Contains(err.Error(), "malformed ts_code") {
		t.Errorf("expected malformed ts_code message, got %v", err)
	}
}

func TestFetchHistory_CancelledContext(t *testing.T) {
	server := serveKlines(t, []string{klineRow("2026-08-19")})
	client := newTestClient(t, server.URL, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	window := Window{Start: mustDate(t, "2026-08-19"), End: mustDate(t, "2026-08-25"), Mode: ModeIncremental}
	if _, err := client.FetchHistory(ctx, "600519.SH", window); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLatestTradeDate_FromIndexTail(t *testing.T) {
	tail := midnight(time.Now().UTC()).AddDate(0, 0, -3)

	var gotSecid string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecid = r.URL.Query().Get("secid")
		rows := []string{
			klineRow(tail.AddDate(0, 0, -1).Format(dateLayout)),
			klineRow(tail.Format(dateLayout)),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rc":   0,
			"data": map[string]any{"code": "000001", "klines": rows},
		})
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)

	got, err := client.LatestTradeDate(context.Background())
	if err != nil {
		t.Fatalf("LatestTradeDate failed: %v", err)
	}

	if gotSecid != shanghaiIndexSecid {
		t.Errorf("expected index secid %s, got %s", shanghaiIndexSecid, gotSecid)
	}
	if !got.Equal(tail) {
		t.Errorf("expected %v, got %v", tail, got)
	}
}

func TestLatestTradeDate_ClampsFutureDate(t *testing.T) {
	future := midnight(time.Now().UTC()).AddDate(0, 0, 2)
	server := serveKlines(t, []string{klineRow(future.Format(dateLayout))})
	client := newTestClient(t, server.URL, server.URL)

	got, err := client.LatestTradeDate(context.Background())
	if err != nil {
		t.Fatalf("LatestTradeDate failed: %v", err)
	}

	today := midnight(time.Now().UTC())
	if !got.Equal(today) {
		t.Errorf("expected clamp to today %v, got %v", today, got)
	}
}

func TestLatestTradeDate_FallbackSkipsWeekend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)

	got, err := client.LatestTradeDate(context.Background())
	if err != nil {
		t.Fatalf("expected calendar fallback, got error %v", err)
	}

	today := midnight(time.Now().UTC())
	if !got.Before(today) {
		t.Errorf("fallback date %v should be before today %v", got, today)
	}
	if got.Before(today.AddDate(0, 0, -3)) {
		t.Errorf("fallback date %v rolled back too far", got)
	}
	if wd := got.Weekday(); wd == time.Saturday || wd == time.Sunday {
		t.Errorf("fallback date %v lands on a weekend", got)
	}
}

func TestLatestTradeDate_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.LatestTradeDate(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestClassifySymbol(t *testing.T) {
	tests := []struct {
		symbol string
		suffix string
		board  string
	}{
		{"600519", ".SH", "主板"},
		{"601318", ".SH", "主板"},
		{"688111", ".SH", "科创板"},
		{"000001", ".SZ", "主板"},
		{"300750", ".SZ", "创业板"},
		{"430047", ".BJ", "北交所"},
		{"830799", ".BJ", "北交所"},
		{"12345", "", ""},
		{"920001", "", ""},
	}

	for _, tt := range tests {
		suffix, board := classifySymbol(tt.symbol)
		if suffix != tt.suffix || board != tt.board {
			t.Errorf("classifySymbol(%s) = (%s, %s), expected (%s, %s)",
				tt.symbol, suffix, board, tt.suffix, tt.board)
		}
	}
}

func TestLastWeekday(t *testing.T) {
	tests := []struct {
		today string
		want  string
	}{
		{"2026-08-25", "2026-08-24"}, // Tuesday -> Monday
		{"2026-08-24", "2026-08-21"}, // Monday -> Friday (yesterday is Sunday)
		{"2026-08-23", "2026-08-21"}, // Sunday -> Friday (yesterday is Saturday)
		{"2026-08-22", "2026-08-21"}, // Saturday -> Friday
	}

	for _, tt := range tests {
		got := lastWeekday(mustDate(t, tt.today))
		if got.Format(dateLayout) != tt.want {
			t.Errorf("lastWeekday(%s) = %s, expected %s", tt.today, got.Format(dateLayout), tt.want)
		}
	}
}

func TestKlineRowFixtureIsWellFormed(t *testing.T) {
	// Guard the shared fixture so handler-built rows stay parseable.
	bar, err := parseKlineRow("600519.SH", klineRow("2026-08-19"))
	if err != nil {
		t.Fatalf("fixture row failed to parse: %v", err)
	}
	if bar.TradeDate.Format(dateLayout) != "2026-08-19" {
		t.Errorf("unexpected fixture date %v", bar.TradeDate)
	}
}
