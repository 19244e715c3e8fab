package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/eventlog"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

type fakeEngine struct {
	mu    sync.Mutex
	seen  map[string]int
	order []string
	fail  error
}

func (f *fakeEngine) Submit(_ context.Context, msg models.IntakeMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	if f.seen == nil {
		f.seen = map[string]int{}
	}
	f.seen[msg.CaseID]++
	f.order = append(f.order, msg.CaseID)
	return f.seen[msg.CaseID] == 1, nil
}

func (f *fakeEngine) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id]
}

func newConsumer(t *testing.T, partitions int, eng Submitter) (*Consumer, *eventlog.Log) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	log := eventlog.New(store, partitions)
	return NewConsumer(Config{Group: "test", PollInterval: 5 * time.Millisecond, BatchSize: 10}, log, eng, nil, nil), log
}

func msg(id, tenant string) models.IntakeMessage {
	return models.IntakeMessage{CaseID: id, TenantID: tenant, Severity: "high", InitialEvidence: map[string]any{"category": "phishing"}}
}

func TestPollSubmitsAndCommits(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	c, log := newConsumer(t, 1, eng)

	for _, id := range []string{"c1", "c2", "c1"} {
		_, _, err := Publish(ctx, log, msg(id, "acme"))
		require.NoError(t, err)
	}

	n, err := c.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"c1", "c2", "c1"}, eng.order, "partition order is kept")

	n, err = c.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "committed records are not read again")
}

func TestMalformedMessagesAreDeadLettered(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	c, log := newConsumer(t, 1, eng)

	_, _, err := log.Append(ctx, "acme", []byte(`{"case_id":`))
	require.NoError(t, err)
	_, _, err = log.Append(ctx, "acme", []byte(`{"case_id":"c9","tenant_id":"acme","severity":"urgent"}`))
	require.NoError(t, err)
	_, _, err = Publish(ctx, log, msg("c1", "acme"))
	require.NoError(t, err)

	n, err := c.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "rejected records are committed past")
	assert.Equal(t, 1, eng.count("c1"))
	assert.Zero(t, eng.count("c9"))

	dl, err := log.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dl, 2)
}

func TestStoreFailureLeavesRecordUncommitted(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{fail: errors.New("database is locked")}
	c, log := newConsumer(t, 1, eng)
	_, _, err := Publish(ctx, log, msg("c1", "acme"))
	require.NoError(t, err)

	n, err := c.Poll(ctx, 0)
	require.Error(t, err)
	assert.Zero(t, n)

	eng.mu.Lock()
	eng.fail = nil
	eng.mu.Unlock()
	n, err = c.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, eng.count("c1"))
}

func TestPublishRejectsInvalid(t *testing.T) {
	_, log := newConsumer(t, 1, &fakeEngine{})
	_, _, err := Publish(context.Background(), log, models.IntakeMessage{CaseID: "c1", Severity: "low"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRunConsumesEveryPartition(t *testing.T) {
	eng := &fakeEngine{}
	c, log := newConsumer(t, 4, eng)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenants := []string{"acme", "globex", "initech", "umbrella", "hooli", "stark"}
	for i, tenant := range tenants {
		_, _, err := Publish(ctx, log, msg(string(rune('a'+i)), tenant))
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		for i := range tenants {
			if eng.count(string(rune('a'+i))) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
