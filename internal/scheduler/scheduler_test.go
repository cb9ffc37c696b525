package scheduler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devskill-org/solar-broker/internal/inference"
	"github.com/devskill-org/solar-broker/internal/jobstore"
	"github.com/devskill-org/solar-broker/internal/powermonitor"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestStore(t *testing.T) *jobstore.SQLStore {
	t.Helper()
	store, err := jobstore.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestScheduler(t *testing.T, battery float64, immediate bool) (*Scheduler, *powermonitor.Simulator) {
	t.Helper()
	store := newTestStore(t)
	monitor := powermonitor.NewSimulator(battery, 2, 20, 200, "", discardLogger())
	driver := inference.NewSimulator(1000, map[string]string{"hello": "Hello, node."}, 1, discardLogger())
	s := New(store, monitor, driver, "", immediate, discardLogger())
	s.lowBatterySleep = 50 * time.Millisecond
	s.idleSleep = 20 * time.Millisecond
	return s, monitor
}

func TestEnqueuePrompt_RejectsEmptyPrompt(t *testing.T) {
	s, _ := newTestScheduler(t, 80, true)
	if _, _, err := s.EnqueuePrompt(context.Background(), "conv-1", ""); err != ErrEmptyPrompt {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestEnqueuePrompt_RejectsEmptyConversationID(t *testing.T) {
	s, _ := newTestScheduler(t, 80, true)
	if _, _, err := s.EnqueuePrompt(context.Background(), "", "hello"); err != ErrEmptyConversationID {
		t.Errorf("expected ErrEmptyConversationID, got %v", err)
	}
}

func TestEnqueuePrompt_ImmediateModeIgnoresForecast(t *testing.T) {
	s, _ := newTestScheduler(t, 80, true)
	before := time.Now()
	_, completion, err := s.EnqueuePrompt(context.Background(), "conv-1", "hello")
	if err != nil {
		t.Fatalf("EnqueuePrompt returned error: %v", err)
	}
	if completion.Before(before) {
		t.Errorf("estimated completion %v should not be before enqueue time %v", completion, before)
	}
	if limit := time.Now().Add(time.Second); completion.After(limit) {
		t.Errorf("estimated completion %v should be the processing estimate from now, not a forecast slot (limit %v)", completion, limit)
	}
}

func TestHappyPath_SimulatorCompletesQueuedJob(t *testing.T) {
	s, _ := newTestScheduler(t, 80, true)

	var notified string
	done := make(chan struct{}, 1)
	s.SetOnComplete(func(conversationID string) {
		notified = conversationID
		done <- struct{}{}
	})

	ctx := context.Background()
	jobID, _, err := s.EnqueuePrompt(ctx, "conv-1", "hello")
	if err != nil {
		t.Fatalf("EnqueuePrompt returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete within 5s")
	}

	info, err := s.JobInfo(ctx, jobID)
	if err != nil {
		t.Fatalf("JobInfo returned error: %v", err)
	}
	if info.Job.Status != jobstore.StatusCompleted {
		t.Fatalf("expected status completed, got %s", info.Job.Status)
	}
	if info.Job.Response == nil || *info.Job.Response != "Hello, node." {
		t.Errorf("expected canned response, got %v", info.Job.Response)
	}
	if notified != "conv-1" {
		t.Errorf("expected notification for conv-1, got %q", notified)
	}

	s.Stop()
}

func TestLowBattery_BlocksUntilRaised(t *testing.T) {
	s, monitor := newTestScheduler(t, 20, true)

	ctx := context.Background()
	jobID, _, err := s.EnqueuePrompt(ctx, "conv-1", "hello")
	if err != nil {
		t.Fatalf("EnqueuePrompt returned error: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	info, err := s.JobInfo(ctx, jobID)
	if err != nil {
		t.Fatalf("JobInfo returned error: %v", err)
	}
	if info.Job.Status != jobstore.StatusQueued {
		t.Fatalf("expected job still queued while battery is low, got %s", info.Job.Status)
	}

	monitor.Charge(1000, time.Hour) // force battery back up

	deadline := time.After(2 * time.Second)
	for {
		info, err := s.JobInfo(ctx, jobID)
		if err != nil {
			t.Fatalf("JobInfo returned error: %v", err)
		}
		if info.Job.Status == jobstore.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not complete after raising battery, status=%s", info.Job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Stop()
}

func TestFIFOWithinConversation_CompletesInEnqueueOrder(t *testing.T) {
	s, _ := newTestScheduler(t, 80, true)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, p := range []string{"p1", "p2", "p3"} {
		id, _, err := s.EnqueuePrompt(ctx, "conv-fifo", p)
		if err != nil {
			t.Fatalf("EnqueuePrompt(%q) returned error: %v", p, err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(5 * time.Second)
	var completedOrder []string
	for time.Now().Before(deadline) && len(completedOrder) < len(ids) {
		completedOrder = completedOrder[:0]
		for _, id := range ids {
			info, err := s.JobInfo(ctx, id)
			if err != nil {
				t.Fatalf("JobInfo returned error: %v", err)
			}
			if info.Job.Status == jobstore.StatusCompleted || info.Job.Status == jobstore.StatusFailed {
				completedOrder = append(completedOrder, id)
			}
		}
		if len(completedOrder) < len(ids) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if len(completedOrder) != len(ids) {
		t.Fatalf("not all jobs completed in time: %d/%d", len(completedOrder), len(ids))
	}
	for i, id := range ids {
		if completedOrder[i] != id {
			t.Errorf("jobs completed out of FIFO order: got %v, want %v", completedOrder, ids)
			break
		}
	}

	s.Stop()
}

func TestCalibrationUpdate_StaysPositiveAfterUpdate(t *testing.T) {
	store := newCalibrationStore("")
	before := store.snapshot()
	store.update(2.0, 5.0, 10)
	after := store.snapshot()

	if after.TokensPerSecond <= 0 {
		t.Errorf("tokens_per_second should remain positive, got %v", after.TokensPerSecond)
	}
	if after.TokenProcessingPower <= 0 {
		t.Errorf("token_processing_power should remain positive, got %v", after.TokenProcessingPower)
	}
	if after.TokensPerSecond == before.TokensPerSecond {
		t.Error("expected tokens_per_second to change after an observation")
	}
}

func TestCalibrationUpdate_IgnoresNonPositiveDelta(t *testing.T) {
	store := newCalibrationStore("")
	before := store.snapshot()
	store.update(0, 5.0, 10)
	after := store.snapshot()
	if after != before {
		t.Error("update with Δt<=0 should leave the model unchanged")
	}
}

func TestCalibrationUpdate_IgnoresZeroTokens(t *testing.T) {
	store := newCalibrationStore("")
	before := store.snapshot()
	store.update(2.0, 5.0, 0)
	after := store.snapshot()
	if after != before {
		t.Error("update with zero total tokens should leave the model unchanged")
	}
}
