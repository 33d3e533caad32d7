package syncer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/testutil"
)

func daysAgo(n int) *time.Time {
	t := time.Now().AddDate(0, 0, -n)
	return &t
}

func syncItem(tsCode string, latest *time.Time) db.SyncItem {
	return db.SyncItem{TsCode: tsCode, Name: "stock " + tsCode[:6], LatestDate: latest}
}

// TestPlanner_ComputeProgress_Classifies verifies the freshness split:
// never-synced and stale stocks need updating, recent ones do not.
func TestPlanner_ComputeProgress_Classifies(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{
		syncItem("600519.SH", nil),
		syncItem("000001.SZ", daysAgo(10)),
		syncItem("300750.SZ", daysAgo(1)),
	})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	set, err := p.ComputeProgress(false)
	require.NoError(t, err)

	assert.Equal(t, Overview{Total: 3, NeedUpdate: 2, UpToDate: 1}, set.Overview)
	require.Len(t, set.NeedUpdate, 2)
	require.Len(t, set.UpToDate, 1)
	assert.Equal(t, "300750.SZ", set.UpToDate[0].TsCode)
}

// TestPlanner_ComputeProgress_ForceIncludesFresh verifies force puts every
// stock in the need-update set.
func TestPlanner_ComputeProgress_ForceIncludesFresh(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{
		syncItem("600519.SH", daysAgo(1)),
		syncItem("000001.SZ", daysAgo(2)),
	})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	set, err := p.ComputeProgress(true)
	require.NoError(t, err)

	assert.Equal(t, 2, set.Overview.NeedUpdate)
	assert.Equal(t, 0, set.Overview.UpToDate)
}

// TestPlanner_CreateBatches_SplitsStaleUniverse covers a universe of 10
// stocks where 7 are stale: batch size 5 yields groups of 5 and 2.
func TestPlanner_CreateBatches_SplitsStaleUniverse(t *testing.T) {
	store := testutil.NewMockStore()
	items := make([]db.SyncItem, 0, 10)
	for i := 0; i < 7; i++ {
		items = append(items, syncItem(fmt.Sprintf("3007%02d.SZ", i), daysAgo(30+i)))
	}
	for i := 0; i < 3; i++ {
		items = append(items, syncItem(fmt.Sprintf("6005%02d.SH", i), daysAgo(1)))
	}
	store.SetSyncItems(items)
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	plans, err := p.CreateBatches(5, false, 0)
	require.NoError(t, err)

	require.Len(t, plans, 2)
	assert.Equal(t, 5, plans[0].Size())
	assert.Equal(t, 2, plans[1].Size())
	assert.Equal(t, 1, plans[0].Index)
	assert.Equal(t, 2, plans[1].Index)
	assert.Equal(t, StatusPending, plans[0].Status)
	assert.Equal(t, StatusPending, plans[1].Status)
}

// TestPlanner_CreateBatches_OrdersOldestFirst verifies the planning order:
// never-synced stocks lead, then ascending latest date, ts_code on ties.
func TestPlanner_CreateBatches_OrdersOldestFirst(t *testing.T) {
	tie := daysAgo(20)
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{
		syncItem("830799.BJ", daysAgo(10)),
		syncItem("688111.SH", tie),
		syncItem("600519.SH", nil),
		syncItem("300750.SZ", daysAgo(30)),
		syncItem("000001.SZ", nil),
		syncItem("430047.BJ", tie),
	})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	plans, err := p.CreateBatches(10, false, 0)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	got := make([]string, 0, len(plans[0].Items))
	for _, item := range plans[0].Items {
		got = append(got, item.TsCode)
	}
	want := []string{"000001.SZ", "600519.SH", "300750.SZ", "430047.BJ", "688111.SH", "830799.BJ"}
	assert.Equal(t, want, got)
}

// TestPlanner_CreateBatches_IDFormat verifies the shared timestamp prefix
// and the 1-based suffix.
func TestPlanner_CreateBatches_IDFormat(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{
		syncItem("600519.SH", nil),
		syncItem("000001.SZ", nil),
		syncItem("300750.SZ", nil),
	})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	plans, err := p.CreateBatches(2, false, 0)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	idPattern := regexp.MustCompile(`^\d{8}_\d{6}_\d+$`)
	assert.Regexp(t, idPattern, plans[0].ID)
	assert.Regexp(t, idPattern, plans[1].ID)
	assert.True(t, strings.HasSuffix(plans[0].ID, "_1"))
	assert.True(t, strings.HasSuffix(plans[1].ID, "_2"))
	assert.Equal(t,
		strings.TrimSuffix(plans[0].ID, "_1"),
		strings.TrimSuffix(plans[1].ID, "_2"),
		"batches from one planning call share a prefix")
}

// TestPlanner_CreateBatches_ExactPartition verifies a universe that divides
// evenly produces equal groups.
func TestPlanner_CreateBatches_ExactPartition(t *testing.T) {
	store := testutil.NewMockStore()
	items := make([]db.SyncItem, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, syncItem(fmt.Sprintf("0001%02d.SZ", i), nil))
	}
	store.SetSyncItems(items)
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	plans, err := p.CreateBatches(3, false, 0)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, 3, plans[0].Size())
	assert.Equal(t, 3, plans[1].Size())
}

// TestPlanner_CreateBatches_Limit verifies the cap keeps only the first
// items of the planning order.
func TestPlanner_CreateBatches_Limit(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{
		syncItem("600519.SH", daysAgo(50)),
		syncItem("000001.SZ", daysAgo(40)),
		syncItem("300750.SZ", daysAgo(30)),
		syncItem("688111.SH", daysAgo(20)),
	})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	plans, err := p.CreateBatches(2, false, 3)
	require.NoError(t, err)

	require.Len(t, plans, 2)
	assert.Equal(t, 2, plans[0].Size())
	assert.Equal(t, 1, plans[1].Size())
	assert.Equal(t, "600519.SH", plans[0].Items[0].TsCode)
	assert.Equal(t, "000001.SZ", plans[0].Items[1].TsCode)
	assert.Equal(t, "300750.SZ", plans[1].Items[0].TsCode)
}

// TestPlanner_CreateBatches_InvalidSize verifies a batch size below one is
// a planning error.
func TestPlanner_CreateBatches_InvalidSize(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{syncItem("600519.SH", nil)})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	_, err := p.CreateBatches(0, false, 0)
	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "batch size")
}

// TestPlanner_CreateBatches_EmptyWorkSet verifies an entirely fresh
// universe is a planning error rather than an empty plan list.
func TestPlanner_CreateBatches_EmptyWorkSet(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetSyncItems([]db.SyncItem{
		syncItem("600519.SH", daysAgo(1)),
		syncItem("000001.SZ", daysAgo(2)),
	})
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	_, err := p.CreateBatches(5, false, 0)
	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "no stocks")
}

// TestPlanner_CreateBatches_StoreError verifies store failures surface
// wrapped rather than as planning errors.
func TestPlanner_CreateBatches_StoreError(t *testing.T) {
	store := testutil.NewMockStore()
	cause := errors.New("database locked")
	store.SetItemsError(cause)
	p := NewPlanner(store, DefaultConfig(), testutil.DiscardLogger())

	_, err := p.CreateBatches(5, false, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	var perr *PlanningError
	assert.False(t, errors.As(err, &perr))
}
