package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/scheduler"
	"github.com/mingxuanliu/stocksync/internal/task"
)

const dateLayout = "2006-01-02"

// stockView is the wire shape for one stock row.
type stockView struct {
	TsCode    string    `json:"ts_code"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Market    string    `json:"market"`
	Industry  *string   `json:"industry,omitempty"`
	ListDate  *string   `json:"list_date,omitempty"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toStockView(s *db.Stock) stockView {
	v := stockView{
		TsCode:    s.TsCode,
		Symbol:    s.Symbol,
		Name:      s.Name,
		Market:    s.Market,
		Industry:  s.Industry,
		IsActive:  s.IsActive,
		UpdatedAt: s.UpdatedAt,
	}
	if s.ListDate != nil {
		d := s.ListDate.Format(dateLayout)
		v.ListDate = &d
	}
	return v
}

// klineView is the wire shape for one daily bar.
type klineView struct {
	TradeDate string  `json:"trade_date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	Amount    float64 `json:"amount"`
	Amplitude float64 `json:"amplitude"`
	PctChg    float64 `json:"pct_chg"`
	Change    float64 `json:"change"`
	Turnover  float64 `json:"turnover"`
}

func toKlineView(b db.KlineBar) klineView {
	return klineView{
		TradeDate: b.TradeDate.Format(dateLayout),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		Amount:    b.Amount,
		Amplitude: b.Amplitude,
		PctChg:    b.PctChg,
		Change:    b.Change,
		Turnover:  b.Turnover,
	}
}

// handleListStocks serves GET /stocks with paging and filters. ST and
// delisted names are excluded unless exclude_st=false.
func (s *Server) handleListStocks(w http.ResponseWriter, r *http.Request) {
	pageNum := queryInt(r, "page", 1)
	if pageNum < 1 {
		pageNum = 1
	}
	pageSize := queryInt(r, "page_size", 20)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	filter := db.StockFilter{
		Search:    r.URL.Query().Get("search"),
		Market:    r.URL.Query().Get("market"),
		ExcludeST: queryBool(r, "exclude_st", true),
		Page:      pageNum,
		PageSize:  pageSize,
	}

	stocks, total, err := s.store.ListStocks(filter)
	if err != nil {
		s.respondError(w, err)
		return
	}

	items := make([]stockView, 0, len(stocks))
	for i := range stocks {
		items = append(items, toStockView(&stocks[i]))
	}
	s.respond(w, http.StatusOK, "success", page{
		Total:    total,
		Page:     pageNum,
		PageSize: pageSize,
		Items:    items,
	})
}

// handleGetStock serves GET /stocks/{tsCode}.
func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	tsCode := chi.URLParam(r, "tsCode")

	stock, err := s.store.GetStock(tsCode)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "success", toStockView(stock))
}

// handleListKlines serves GET /stocks/{tsCode}/kline. At most 2000 bars
// per request; start/end take YYYY-MM-DD.
func (s *Server) handleListKlines(w http.ResponseWriter, r *http.Request) {
	tsCode := chi.URLParam(r, "tsCode")

	if _, err := s.store.GetStock(tsCode); err != nil {
		s.respondError(w, err)
		return
	}

	limit := queryInt(r, "limit", 500)
	if limit < 1 {
		limit = 500
	}
	if limit > 2000 {
		limit = 2000
	}

	query := db.KlineQuery{TsCode: tsCode, Limit: limit}
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err := time.Parse(dateLayout, raw)
		if err != nil {
			s.badRequest(w, "start must be YYYY-MM-DD")
			return
		}
		query.Start = &start
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err := time.Parse(dateLayout, raw)
		if err != nil {
			s.badRequest(w, "end must be YYYY-MM-DD")
			return
		}
		query.End = &end
	}

	bars, err := s.store.ListKlines(query)
	if err != nil {
		s.respondError(w, err)
		return
	}

	items := make([]klineView, 0, len(bars))
	for _, bar := range bars {
		items = append(items, toKlineView(bar))
	}
	s.respond(w, http.StatusOK, "success", map[string]any{
		"ts_code": tsCode,
		"total":   len(items),
		"items":   items,
	})
}

// handleStockListSync serves POST /stocks/sync: the refresh runs as a
// background task.
func (s *Server) handleStockListSync(w http.ResponseWriter, r *http.Request) {
	submitted, err := s.registry.Submit(scheduler.TypeStockList, nil, func(run *task.Run) (any, error) {
		return s.service.SyncStockList(run.Ctx())
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, "stock list sync started", submitted)
}
