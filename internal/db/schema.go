package db

import "time"

// Stock represents one listed A-share security
type Stock struct {
	TsCode    string // "600519.SH" style code, unique
	Symbol    string // bare exchange symbol, "600519"
	Name      string
	Market    string // 主板 / 创业板 / 科创板 / 北交所
	Industry  *string
	ListDate  *time.Time
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KlineBar represents one daily OHLCV bar. Unique per (ts_code, trade_date).
type KlineBar struct {
	ID        int64
	TsCode    string
	TradeDate time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Amount    float64
	Amplitude float64
	PctChg    float64
	Change    float64
	Turnover  float64
	CreatedAt time.Time
}

// SyncItem pairs a stock with the newest bar date it has on disk.
// LatestDate is nil when no bars exist yet.
type SyncItem struct {
	TsCode     string
	Name       string
	LatestDate *time.Time
}

// UpdateLog represents one audit row for a data refresh operation
type UpdateLog struct {
	ID          string
	DataType    string // 'stock_list', 'kline_batch', 'kline_single', 'scheduled'
	TsCode      *string
	Status      string // 'success', 'failed', 'partial'
	Message     string
	RowsAdded   int
	RowsUpdated int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ScheduledTask represents a recurring sync job definition
type ScheduledTask struct {
	ID             int64
	Name           string
	TaskType       string  // 'sync_stock_list', 'sync_kline_daily', 'sync_kline_full'
	Params         *string // JSON - task-specific parameters
	Enabled        bool
	CronExpression *string // 5-field cron spec
	ScheduledTime  *string // "HH:MM" daily shorthand, used when CronExpression is nil
	LastRunAt      *time.Time
	LastRunStatus  *string
	LastRunMessage *string
	TotalRuns      int
	SuccessRuns    int
	FailedRuns     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
