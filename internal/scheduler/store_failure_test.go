package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devskill-org/solar-broker/internal/inference"
	"github.com/devskill-org/solar-broker/internal/jobstore"
	"github.com/devskill-org/solar-broker/internal/powermonitor"
)

// selectiveFailStore wraps a real Store and fails the first failCount
// Transition calls to the given status, then delegates normally.
type selectiveFailStore struct {
	jobstore.Store
	failStatus jobstore.Status
	failCount  int
}

func (f *selectiveFailStore) Transition(ctx context.Context, jobID string, newStatus jobstore.Status, response *string) error {
	if newStatus == f.failStatus && f.failCount > 0 {
		f.failCount--
		return errors.New("simulated store outage")
	}
	return f.Store.Transition(ctx, jobID, newStatus, response)
}

func newFlakyScheduler(t *testing.T, failStatus jobstore.Status, failCount int) (*Scheduler, *selectiveFailStore, *jobstore.Job) {
	t.Helper()
	backing := newTestStore(t)
	store := &selectiveFailStore{Store: backing, failStatus: failStatus, failCount: failCount}
	monitor := powermonitor.NewSimulator(80, 2, 20, 200, "", discardLogger())
	driver := inference.NewSimulator(1000, map[string]string{"hello": "Hello, node."}, 1, discardLogger())
	s := New(store, monitor, driver, "", true, discardLogger())

	id, err := backing.Enqueue(context.Background(), "conv-1", "hello", 1.0, time.Now())
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job, err := backing.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	return s, store, job
}

func TestProcessJob_RecoversFromTransientStoreFailure(t *testing.T) {
	s, _, job := newFlakyScheduler(t, jobstore.StatusCompleted, storeRetryAttempts-1)

	aborted := s.processJob(context.Background(), job)
	if aborted {
		t.Fatal("expected processJob to recover within the retry budget, got aborted=true")
	}

	info, err := s.JobInfo(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("JobInfo returned error: %v", err)
	}
	if info.Job.Status != jobstore.StatusCompleted {
		t.Fatalf("expected job completed after retry recovery, got %s", info.Job.Status)
	}
}

func TestProcessJob_AbortsWorkerAfterExhaustingRetries(t *testing.T) {
	s, _, job := newFlakyScheduler(t, jobstore.StatusCompleted, storeRetryAttempts+10)

	aborted := s.processJob(context.Background(), job)
	if !aborted {
		t.Fatal("expected processJob to report aborted=true once the store stays down past the retry budget")
	}

	info, err := s.JobInfo(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("JobInfo returned error: %v", err)
	}
	if info.Job.Status != jobstore.StatusProcessing {
		t.Fatalf("expected job left in processing for operator recovery, got %s", info.Job.Status)
	}
}

func TestRunWorker_StopsAfterProcessJobAborts(t *testing.T) {
	s, _, _ := newFlakyScheduler(t, jobstore.StatusProcessing, storeRetryAttempts+10)
	s.idleSleep = 10 * time.Millisecond
	s.lowBatterySleep = 10 * time.Millisecond

	errChan := make(chan error, 1)
	go func() { errChan <- s.Start(context.Background()) }()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not abort after the store stayed down")
	}
}
