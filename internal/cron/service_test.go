package cron

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, onJob RunFunc, deliver DeliverFunc) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")
	s := NewService(path, onJob, deliver, zap.NewNop())
	require.NoError(t, s.Load())
	return s
}

func TestRunJobUpdatesStateAndCallsBack(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	onJob := func(_ context.Context, job *Job) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, job.ID)
		return "ok", nil
	}
	s := newTestService(t, onJob, nil)

	job, err := s.Add(&Job{
		Name:     "t1",
		Kind:     KindTask,
		Schedule: Schedule{Kind: "every", EveryMS: 1000},
		Message:  "hello",
	})
	require.NoError(t, err)

	ran, err := s.RunJob(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.True(t, ran)

	mu.Lock()
	assert.Equal(t, []string{job.ID}, calls)
	mu.Unlock()

	got, ok := s.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "ok", got.State.LastStatus)
	assert.Empty(t, got.State.LastError)
	assert.NotZero(t, got.State.LastRunAtMS)
	assert.NotZero(t, got.State.NextRunAtMS)
}

func TestRunJobSkipsWhenNotDue(t *testing.T) {
	s := newTestService(t, nil, nil)
	job, err := s.Add(&Job{
		Name:     "later",
		Kind:     KindTask,
		Schedule: Schedule{Kind: "every", EveryMS: int64(time.Hour / time.Millisecond)},
	})
	require.NoError(t, err)

	ran, err := s.RunJob(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestComputeNextRunCronRespectsTimezone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tz database not available")
	}

	// Feb 6, 2026 is standard time in New York (UTC-5). With now at
	// 13:30 UTC, the next 09:00 New York is 14:00 UTC the same day.
	now := time.Date(2026, 2, 6, 13, 30, 0, 0, time.UTC)
	next, err := computeNextRun(Schedule{Kind: "cron", Expr: "0 9 * * *", TZ: "America/New_York"}, now.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 6, 14, 0, 0, 0, time.UTC).UnixMilli(), next)
}

func TestComputeNextRunCronUTCDefault(t *testing.T) {
	now := time.Date(2026, 2, 6, 8, 59, 0, 0, time.UTC)
	next, err := computeNextRun(Schedule{Kind: "cron", Expr: "0 9 * * *"}, now.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC).UnixMilli(), next)
}

func TestComputeNextRunEveryAndAt(t *testing.T) {
	now := int64(1_000_000)
	next, err := computeNextRun(Schedule{Kind: "every", EveryMS: 5000}, now)
	require.NoError(t, err)
	assert.Equal(t, now+5000, next)

	next, err = computeNextRun(Schedule{Kind: "at", AtMS: now + 42}, now)
	require.NoError(t, err)
	assert.Equal(t, now+42, next)

	// A past one-shot has no future run.
	next, err = computeNextRun(Schedule{Kind: "at", AtMS: now - 1}, now)
	require.NoError(t, err)
	assert.Zero(t, next)
}

func TestOneShotJobDisablesAfterRun(t *testing.T) {
	var delivered []string
	deliver := func(_, _, content string) { delivered = append(delivered, content) }
	s := newTestService(t, nil, deliver)

	job, err := s.Add(&Job{
		Name:          "once",
		Kind:          KindReminder,
		Schedule:      Schedule{Kind: "at", AtMS: time.Now().Add(time.Hour).UnixMilli()},
		Message:       "ping",
		TargetChannel: "telegram",
		TargetChatID:  "42",
	})
	require.NoError(t, err)

	ran, err := s.RunJob(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"ping"}, delivered)

	got, _ := s.Get(job.ID)
	assert.False(t, got.Enabled)
	assert.Zero(t, got.State.NextRunAtMS)
}

func TestTaskReplyDeliveredWhenRequested(t *testing.T) {
	var delivered []string
	s := newTestService(t,
		func(context.Context, *Job) (string, error) { return "report ready", nil },
		func(_, _, content string) { delivered = append(delivered, content) })

	job, err := s.Add(&Job{
		Name:          "daily",
		Kind:          KindTask,
		Schedule:      Schedule{Kind: "every", EveryMS: 1000},
		Message:       "compile the report",
		Deliver:       true,
		TargetChannel: "telegram",
		TargetChatID:  "42",
	})
	require.NoError(t, err)

	_, err = s.RunJob(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"report ready"}, delivered)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s := NewService(path, nil, nil, zap.NewNop())
	require.NoError(t, s.Load())

	_, err := s.Add(&Job{Name: "a", Schedule: Schedule{Kind: "every", EveryMS: 1000}})
	require.NoError(t, err)
	_, err = s.Add(&Job{Name: "b", Schedule: Schedule{Kind: "cron", Expr: "0 9 * * *"}})
	require.NoError(t, err)

	reloaded := NewService(path, nil, nil, zap.NewNop())
	require.NoError(t, reloaded.Load())
	jobs := reloaded.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "b", jobs[1].Name)
}

func TestCorruptStoreMovedAsideNotLost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewService(path, nil, nil, zap.NewNop())
	require.NoError(t, s.Load())
	assert.Empty(t, s.Jobs())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Name() != "jobs.json" && len(e.Name()) > len("jobs.json.corrupt") {
			found = true
		}
	}
	assert.True(t, found, "corrupt file should be preserved aside")
}

func TestInvalidCronExpressionKeptVisible(t *testing.T) {
	s := newTestService(t, nil, nil)

	out, err := s.AddJob("bad", "remind me", "telegram", "42", 0, "not a cron expr", "")
	require.NoError(t, err)
	assert.Contains(t, out, "schedule is invalid")

	listing, err := s.ListJobs()
	require.NoError(t, err)
	assert.Contains(t, listing, "bad")
	assert.Contains(t, listing, "schedule error")
}

func TestAddListRemoveToolStrings(t *testing.T) {
	s := newTestService(t, nil, nil)

	out, err := s.AddJob("water plants", "water the plants", "telegram", "42", 3600, "", "")
	require.NoError(t, err)
	assert.Contains(t, out, "Scheduled job 'water plants'")

	listing, err := s.ListJobs()
	require.NoError(t, err)
	assert.Contains(t, listing, "water plants")
	assert.Contains(t, listing, "every 3600s")

	id := s.Jobs()[0].ID
	out, err = s.RemoveJob(id)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed job")

	listing, err = s.ListJobs()
	require.NoError(t, err)
	assert.Equal(t, "No scheduled jobs.", listing)
}

func TestRunFiresDueReminder(t *testing.T) {
	delivered := make(chan string, 1)
	s := newTestService(t, nil, func(_, _, content string) {
		select {
		case delivered <- content:
		default:
		}
	})

	_, err := s.Add(&Job{
		Name:          "fast",
		Kind:          KindReminder,
		Schedule:      Schedule{Kind: "every", EveryMS: 20},
		Message:       "tick",
		TargetChannel: "telegram",
		TargetChatID:  "42",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case content := <-delivered:
		assert.Equal(t, "tick", content)
	case <-time.After(5 * time.Second):
		t.Fatal("reminder did not fire")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestEnableDisable(t *testing.T) {
	s := newTestService(t, nil, nil)
	job, err := s.Add(&Job{Name: "toggle", Schedule: Schedule{Kind: "every", EveryMS: 1000}})
	require.NoError(t, err)

	ok, err := s.Enable(job.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := s.Get(job.ID)
	assert.False(t, got.Enabled)

	ok, err = s.Enable(job.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = s.Get(job.ID)
	assert.True(t, got.Enabled)
	assert.NotZero(t, got.State.NextRunAtMS)
}
