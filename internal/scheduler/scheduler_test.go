package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

func testConfig() Config {
	return Config{
		Workers:          8,
		ReservedCritical: 2,
		Lanes: map[Lane]LaneConfig{
			LaneCritical: {Concurrency: 8, MaxBacklog: 100, TenantQuota: 8},
			LaneHigh:     {Concurrency: 4, MaxBacklog: 100, TenantQuota: 4},
			LaneNormal:   {Concurrency: 4, MaxBacklog: 2, TenantQuota: 1},
			LaneLow:      {Concurrency: 2, MaxBacklog: 100, TenantQuota: 2},
		},
		SeverityLanes: map[models.Severity]Lane{
			models.SeverityCritical: LaneCritical,
			models.SeverityHigh:     LaneHigh,
			models.SeverityMedium:   LaneNormal,
			models.SeverityLow:      LaneLow,
		},
	}
}

func next(t *testing.T, s *Scheduler) Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := s.Next(ctx)
	require.NoError(t, err)
	return item
}

func assertBlocked(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriorityLawForAllArrivalOrders(t *testing.T) {
	orders := [][]Item{
		{{CaseID: "crit", TenantID: "a", Lane: LaneCritical}, {CaseID: "low", TenantID: "a", Lane: LaneLow}},
		{{CaseID: "low", TenantID: "a", Lane: LaneLow}, {CaseID: "crit", TenantID: "a", Lane: LaneCritical}},
	}
	for i, order := range orders {
		t.Run(fmt.Sprintf("order-%d", i), func(t *testing.T) {
			s := New(testConfig(), nil)
			for _, it := range order {
				require.True(t, s.Submit(it))
			}
			assert.Equal(t, "crit", next(t, s).CaseID)
			assert.Equal(t, "low", next(t, s).CaseID)
		})
	}
}

func TestStrictLaneOrder(t *testing.T) {
	s := New(testConfig(), nil)
	for _, l := range []Lane{LaneLow, LaneNormal, LaneHigh, LaneCritical} {
		require.True(t, s.Submit(Item{CaseID: l.String(), TenantID: "t-" + l.String(), Lane: l}))
	}
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, next(t, s).CaseID)
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, got)
}

func TestBacklogOverflowIsDeferredNotDropped(t *testing.T) {
	s := New(testConfig(), nil)
	for i := 0; i < 4; i++ {
		require.True(t, s.Submit(Item{CaseID: fmt.Sprintf("n%d", i), TenantID: fmt.Sprintf("t%d", i), Lane: LaneNormal}))
	}

	stats := s.Stats()
	assert.Equal(t, 2, stats[LaneNormal].Queued)
	assert.Equal(t, 2, stats[LaneNormal].Deferred)
	assert.True(t, s.Degraded(LaneNormal))
	assert.True(t, s.Degraded(LaneLow), "lanes below an overflowing lane degrade")
	assert.False(t, s.Degraded(LaneHigh))
	assert.False(t, s.Degraded(LaneCritical))

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, next(t, s).CaseID)
	}
	assert.Equal(t, []string{"n0", "n1", "n2", "n3"}, got)
	assert.False(t, s.Degraded(LaneNormal))
}

func TestCriticalNeverDegraded(t *testing.T) {
	cfg := testConfig()
	cfg.Lanes[LaneCritical] = LaneConfig{MaxBacklog: 1}
	s := New(cfg, nil)
	s.Submit(Item{CaseID: "c1", Lane: LaneCritical})
	s.Submit(Item{CaseID: "c2", Lane: LaneCritical})
	assert.False(t, s.Degraded(LaneCritical))
	assert.True(t, s.Degraded(LaneHigh))
}

func TestTenantQuotaSkipsToNextTenant(t *testing.T) {
	cfg := testConfig()
	cfg.Lanes[LaneNormal] = LaneConfig{Concurrency: 4, MaxBacklog: 10, TenantQuota: 1}
	s := New(cfg, nil)

	require.True(t, s.Submit(Item{CaseID: "a1", TenantID: "A", Lane: LaneNormal}))
	require.True(t, s.Submit(Item{CaseID: "a2", TenantID: "A", Lane: LaneNormal}))
	require.True(t, s.Submit(Item{CaseID: "b1", TenantID: "B", Lane: LaneNormal}))

	first := next(t, s)
	assert.Equal(t, "a1", first.CaseID)
	assert.Equal(t, "b1", next(t, s).CaseID, "tenant A is at quota")
	assertBlocked(t, s)

	s.Done(first)
	assert.Equal(t, "a2", next(t, s).CaseID)
}

func TestLaneConcurrencyCap(t *testing.T) {
	s := New(testConfig(), nil)
	for i := 0; i < 3; i++ {
		require.True(t, s.Submit(Item{CaseID: fmt.Sprintf("l%d", i), TenantID: fmt.Sprintf("t%d", i), Lane: LaneLow}))
	}
	a := next(t, s)
	next(t, s)
	assertBlocked(t, s)
	s.Done(a)
	assert.Equal(t, "l2", next(t, s).CaseID)
}

func TestReservedCriticalSlots(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 2
	cfg.ReservedCritical = 1
	s := New(cfg, nil)

	require.True(t, s.Submit(Item{CaseID: "h1", TenantID: "a", Lane: LaneHigh}))
	require.True(t, s.Submit(Item{CaseID: "h2", TenantID: "b", Lane: LaneHigh}))
	assert.Equal(t, "h1", next(t, s).CaseID)
	assertBlocked(t, s)

	require.True(t, s.Submit(Item{CaseID: "c1", TenantID: "a", Lane: LaneCritical}))
	assert.Equal(t, "c1", next(t, s).CaseID, "the reserved slot serves critical work")
}

func TestDuplicateSubmitIgnored(t *testing.T) {
	s := New(testConfig(), nil)
	item := Item{CaseID: "dup", TenantID: "a", Lane: LaneHigh}
	assert.True(t, s.Submit(item))
	assert.False(t, s.Submit(item), "queued")

	got := next(t, s)
	assert.False(t, s.Submit(item), "active")

	s.Done(got)
	assert.True(t, s.Submit(item), "released cases can be submitted again")
}

func TestRequeueRunningCaseRunsAgainAfterDone(t *testing.T) {
	s := New(testConfig(), nil)
	item := Item{CaseID: "parked", TenantID: "a", Lane: LaneHigh}
	require.True(t, s.Submit(item))
	assert.False(t, s.Requeue(item), "queued cases are not queued twice")

	got := next(t, s)
	assert.True(t, s.Requeue(item), "running case is marked to run again")
	assertBlocked(t, s)

	s.Done(got)
	again := next(t, s)
	assert.Equal(t, "parked", again.CaseID)
	s.Done(again)
	assertBlocked(t, s)
}

func TestNextWakesOnSubmit(t *testing.T) {
	s := New(testConfig(), nil)
	done := make(chan Item, 1)
	go func() {
		item, err := s.Next(context.Background())
		if err == nil {
			done <- item
		}
	}()
	time.Sleep(10 * time.Millisecond)
	s.Submit(Item{CaseID: "late", Lane: LaneLow})

	select {
	case item := <-done:
		assert.Equal(t, "late", item.CaseID)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestClose(t *testing.T) {
	s := New(testConfig(), nil)
	s.Close()
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, s.Submit(Item{CaseID: "x"}))
}

func TestLaneFor(t *testing.T) {
	s := New(testConfig(), nil)
	assert.Equal(t, LaneCritical, s.LaneFor(models.SeverityCritical))
	assert.Equal(t, LaneNormal, s.LaneFor(models.SeverityMedium))
	assert.Equal(t, LaneNormal, s.LaneFor("unknown"))

	l, err := ParseLane("high")
	require.NoError(t, err)
	assert.Equal(t, LaneHigh, l)
	_, err = ParseLane("urgent")
	assert.Error(t, err)
}
