package fetch

import (
	"errors"
	"testing"
	"time"
)

func mustDate(t *testing.T, value string) time.Time {
	t.Helper()

	d, err := time.Parse(dateLayout, value)
	if err != nil {
		t.Fatalf("parse date %q: %v", value, err)
	}
	return d
}

func TestResolveWindow_Incremental(t *testing.T) {
	latest := mustDate(t, "2026-08-18")
	now := mustDate(t, "2026-08-25")

	window := ResolveWindow(&latest, now, 3, false)

	if window.Mode != ModeIncremental {
		t.Errorf("expected incremental mode, got %s", window.Mode)
	}
	if got := window.Start.Format(dateLayout); got != "2026-08-19" {
		t.Errorf("expected start the day after the latest bar, got %s", got)
	}
	if !window.End.Equal(now) {
		t.Errorf("expected end %v, got %v", now, window.End)
	}
}

func TestResolveWindow_NoHistoryFallsBackToFull(t *testing.T) {
	now := mustDate(t, "2026-08-25")

	window := ResolveWindow(nil, now, 3, false)

	if window.Mode != ModeFull {
		t.Errorf("expected full mode, got %s", window.Mode)
	}
	want := now.AddDate(0, 0, -365*3)
	if !window.Start.Equal(want) {
		t.Errorf("expected start %v, got %v", want, window.Start)
	}
	if !window.End.Equal(now) {
		t.Errorf("expected end %v, got %v", now, window.End)
	}
}

func TestResolveWindow_ForceFullOverridesLatest(t *testing.T) {
	latest := mustDate(t, "2026-08-24")
	now := mustDate(t, "2026-08-25")

	window := ResolveWindow(&latest, now, 3, true)

	if window.Mode != ModeFull {
		t.Errorf("expected full mode under force, got %s", window.Mode)
	}
	want := now.AddDate(0, 0, -365*3)
	if !window.Start.Equal(want) {
		t.Errorf("expected start %v, got %v", want, window.Start)
	}
}

func TestResolveWindow_CustomYears(t *testing.T) {
	now := mustDate(t, "2026-08-25")

	window := ResolveWindow(nil, now, 1, false)

	want := now.AddDate(0, 0, -365)
	if !window.Start.Equal(want) {
		t.Errorf("expected start %v, got %v", want, window.Start)
	}
}

func TestResolveWindow_ZeroYearsUsesDefault(t *testing.T) {
	now := mustDate(t, "2026-08-25")

	window := ResolveWindow(nil, now, 0, false)

	want := now.AddDate(0, 0, -365*3)
	if !window.Start.Equal(want) {
		t.Errorf("expected three-year default, got start %v", window.Start)
	}
}

func TestFetchError_Format(t *testing.T) {
	cause := errors.New("connection refused")
	err := &FetchError{TsCode: "600519.SH", Op: "kline history", Err: cause}

	want := "fetch kline history for 600519.SH: connection refused"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestFetchError_WithoutTsCode(t *testing.T) {
	err := &FetchError{Op: "stock list", Err: errors.New("http status 500")}

	want := "fetch stock list: http status 500"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
