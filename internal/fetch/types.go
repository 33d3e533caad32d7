package fetch

import (
	"fmt"
	"time"
)

// Mode tags how a fetch window was resolved
type Mode string

const (
	// ModeIncremental covers only trade dates newer than the latest stored bar
	ModeIncremental Mode = "incremental"

	// ModeFull covers the trailing full-history range
	ModeFull Mode = "full"
)

// Window is a resolved fetch date range, inclusive on both ends
type Window struct {
	Start time.Time
	End   time.Time
	Mode  Mode
}

// ResolveWindow picks the date range to request for one stock.
//
// A stock with bars on disk gets an incremental window starting the day
// after its newest bar. A stock with no history, or any stock when forceFull
// is set, gets the trailing fullYears of history (default 3).
func ResolveWindow(latest *time.Time, now time.Time, fullYears int, forceFull bool) Window {
	if fullYears <= 0 {
		fullYears = 3
	}

	if latest != nil && !forceFull {
		return Window{
			Start: latest.AddDate(0, 0, 1),
			End:   now,
			Mode:  ModeIncremental,
		}
	}

	return Window{
		Start: now.AddDate(0, 0, -365*fullYears),
		End:   now,
		Mode:  ModeFull,
	}
}

// FetchError wraps a failed remote retrieval with the stock and operation
// that caused it. The client never retries; retry policy belongs to callers.
type FetchError struct {
	TsCode string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	if e.TsCode == "" {
		return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fetch %s for %s: %v", e.Op, e.TsCode, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
