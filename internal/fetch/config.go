package fetch

import (
	"fmt"
	"time"
)

// Config defines configuration for the Eastmoney quote API client
type Config struct {
	// Kline history endpoint
	KlineBaseURL string `toml:"kline_base_url"`

	// Stock list (clist) endpoint
	ListBaseURL string `toml:"list_base_url"`

	// Per-request timeout
	Timeout time.Duration `toml:"timeout"`

	// User-Agent header sent with every request
	UserAgent string `toml:"user_agent"`

	// Page size for stock list pagination
	ListPageSize int `toml:"list_page_size"`
}

// DefaultConfig returns the production Eastmoney endpoints
func DefaultConfig() Config {
	return Config{
		KlineBaseURL: "https://push2his.eastmoney.com/api/qt/stock/kline/get",
		ListBaseURL:  "https://push2.eastmoney.com/api/qt/clist/get",
		Timeout:      30 * time.Second,
		UserAgent:    defaultUserAgent,
		ListPageSize: 100,
	}
}

// Validate checks client configuration and returns error if invalid
func (c Config) Validate() error {
	if c.KlineBaseURL == "" {
		return fmt.Errorf("KlineBaseURL must not be empty")
	}

	if c.ListBaseURL == "" {
		return fmt.Errorf("ListBaseURL must not be empty")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}

	if c.ListPageSize <= 0 {
		return fmt.Errorf("ListPageSize must be positive, got %d", c.ListPageSize)
	}

	return nil
}
