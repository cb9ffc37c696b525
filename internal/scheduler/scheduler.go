// Package scheduler is the control core: it estimates job cost, consults
// the power forecast, persists jobs through the request store, and runs
// the single background worker that drives the inference driver and
// updates the calibration model.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devskill-org/solar-broker/internal/inference"
	"github.com/devskill-org/solar-broker/internal/jobstore"
	"github.com/devskill-org/solar-broker/internal/notify"
	"github.com/devskill-org/solar-broker/internal/powermonitor"
)

// ErrEmptyPrompt is returned by EnqueuePrompt for an empty prompt.
var ErrEmptyPrompt = errors.New("scheduler: prompt must not be empty")

// ErrEmptyConversationID is returned by EnqueuePrompt when no conversation
// id is supplied; per the resolved design question, a job is never created
// with a null conversation id.
var ErrEmptyConversationID = errors.New("scheduler: conversation_id is required")

const (
	lowBatteryThreshold    = 30.0
	lowBatterySleepDefault = 30 * time.Second
	idleSleepDefault       = 10 * time.Second
	queueDelayPerJob       = 60 * time.Second
	forecastHorizon        = 24
	earlyExitHour          = 6
	fallbackProcessSecs    = 60.0

	storeRetryAttempts = 3
	storeRetryDelay    = 500 * time.Millisecond
)

// QueueStatus is the producer-facing summary returned by QueueStatus().
type QueueStatus struct {
	QueueLength      int
	PowerStatus      powermonitor.PowerReading
	ProcessingActive bool
}

// JobInfo is a Job enriched with its queue position, if still queued.
type JobInfo struct {
	Job           *jobstore.Job
	QueuePosition *int
}

// Scheduler is the control core wiring the Request Store, Power Monitor,
// Inference Driver, and Notification Hook together.
type Scheduler struct {
	store     jobstore.Store
	monitor   powermonitor.Monitor
	driver    inference.Driver
	hook      notify.Hook
	calib     *calibrationStore
	immediate bool
	log       zerolog.Logger

	mu               sync.Mutex
	isRunning        bool
	stopChan         chan struct{}
	processingActive bool

	// Overridable only by tests; production code always gets the package
	// defaults via New.
	lowBatterySleep time.Duration
	idleSleep       time.Duration
}

// New builds a Scheduler. calibrationFile may be empty to disable
// persistence (tests typically pass "").
func New(store jobstore.Store, monitor powermonitor.Monitor, driver inference.Driver, calibrationFile string, immediate bool, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:           store,
		monitor:         monitor,
		driver:          driver,
		calib:           newCalibrationStore(calibrationFile),
		immediate:       immediate,
		log:             log.With().Str("component", "scheduler").Logger(),
		lowBatterySleep: lowBatterySleepDefault,
		idleSleep:       idleSleepDefault,
	}
}

// SetOnComplete registers the single notification hook fired after a job
// reaches `completed`.
func (s *Scheduler) SetOnComplete(hook notify.Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calibration returns a snapshot of the current calibration parameters.
func (s *Scheduler) Calibration() CalibrationModel {
	return s.calib.snapshot()
}

// EnqueuePrompt estimates cost, determines an estimated completion time,
// persists the job, and ensures the worker loop is running.
func (s *Scheduler) EnqueuePrompt(ctx context.Context, conversationID, prompt string) (jobID string, estimatedCompletion time.Time, err error) {
	if prompt == "" {
		return "", time.Time{}, ErrEmptyPrompt
	}
	if conversationID == "" {
		return "", time.Time{}, ErrEmptyConversationID
	}

	model := s.calib.snapshot()
	tokens := inference.EstimateTokens(prompt)
	estimatedPower := model.BasePower + float64(tokens)*model.TokenProcessingPower

	processSeconds := fallbackProcessSecs
	if model.TokensPerSecond > 0 {
		processSeconds = float64(tokens) / model.TokensPerSecond
	}

	queueLength, err := s.store.QueueLength(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scheduler: reading queue length: %w", err)
	}
	queueDelay := time.Duration(queueLength) * queueDelayPerJob

	now := time.Now()
	processDuration := time.Duration(processSeconds * float64(time.Second))

	if s.immediate {
		estimatedCompletion = now.Add(processDuration).Add(queueDelay)
	} else {
		estimatedCompletion = s.forecastCompletion(now, estimatedPower, processDuration, queueDelay)
	}

	jobID, err = s.store.Enqueue(ctx, conversationID, prompt, estimatedPower, estimatedCompletion)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scheduler: enqueue: %w", err)
	}

	s.ensureWorkerRunning()

	return jobID, estimatedCompletion, nil
}

// forecastCompletion scans the 24-hour forecast for the earliest hour at
// which the job is runnable, exiting early once a candidate inside the
// first 6 hours is found, falling back to a 24h conservative bound.
func (s *Scheduler) forecastCompletion(now time.Time, estimatedPower float64, processDuration, queueDelay time.Duration) time.Time {
	forecast, err := s.monitor.Predict(forecastHorizon)
	if err != nil || len(forecast) == 0 {
		return now.Add(24 * time.Hour)
	}

	var earliest time.Time
	found := false
	for h, entry := range forecast {
		if !entry.ProcessingCapable || estimatedPower > entry.SolarOutput {
			continue
		}
		candidate := now.Add(time.Duration(h)*time.Hour).Add(processDuration).Add(queueDelay)
		if !found || candidate.Before(earliest) {
			earliest = candidate
			found = true
		}
		if h < earlyExitHour {
			break
		}
	}

	if !found {
		return now.Add(24 * time.Hour)
	}
	return earliest
}

// JobInfo returns a job and, if still queued, its 1-based queue position.
func (s *Scheduler) JobInfo(ctx context.Context, jobID string) (*JobInfo, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: job_info: %w", err)
	}
	if job == nil {
		return nil, jobstore.ErrNotFound
	}
	pos, err := s.store.QueuePosition(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: job_info queue position: %w", err)
	}
	return &JobInfo{Job: job, QueuePosition: pos}, nil
}

// QueueStatus summarizes current queue depth, power state, and whether the
// worker is mid-generation.
func (s *Scheduler) QueueStatus(ctx context.Context) (QueueStatus, error) {
	length, err := s.store.QueueLength(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("scheduler: queue_status: %w", err)
	}
	reading, err := s.monitor.CurrentReading()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("scheduler: queue_status reading: %w", err)
	}
	s.mu.Lock()
	active := s.processingActive
	s.mu.Unlock()
	return QueueStatus{QueueLength: length, PowerStatus: reading, ProcessingActive: active}, nil
}

// ensureWorkerRunning spawns the background worker if it is not already
// running, CAS-guarded against a concurrent caller doing the same.
func (s *Scheduler) ensureWorkerRunning() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.runWorker(context.Background())
}

// Start sweeps stale processing jobs left over from a crash, then runs the
// worker loop and blocks until ctx is canceled, Stop is called, the queue
// drains, or the store stops accepting transitions. EnqueuePrompt restarts
// the loop when new work arrives.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.SweepStaleProcessing(ctx, "interrupted")
	if err != nil {
		return fmt.Errorf("scheduler: recovery sweep: %w", err)
	}
	if n > 0 {
		s.log.Warn().Int("count", n).Msg("swept stale processing jobs to failed on startup")
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.runWorker(ctx)
	return nil
}

// Stop ends the worker loop after its current generation, if any, finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
}

func (s *Scheduler) sleep(ctx context.Context, stopChan <-chan struct{}, d time.Duration) (stopped bool) {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	case <-stopChan:
		return true
	}
}

// runWorker is the single-writer background loop described in §4.D.
func (s *Scheduler) runWorker(ctx context.Context) {
	s.mu.Lock()
	stopChan := s.stopChan
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		default:
		}

		battery, err := s.monitor.BatteryLevel()
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to read battery level; retrying")
			if s.sleep(ctx, stopChan, s.idleSleep) {
				return
			}
			continue
		}

		if battery <= lowBatteryThreshold {
			if s.sleep(ctx, stopChan, s.lowBatterySleep) {
				return
			}
			continue
		}

		solar, err := s.monitor.SolarOutput()
		if err != nil {
			if s.sleep(ctx, stopChan, s.idleSleep) {
				return
			}
			continue
		}

		mode := jobstore.ModeScheduled
		if s.immediate {
			mode = jobstore.ModeImmediate
		}

		job, err := s.store.SelectNext(ctx, solar, time.Now(), mode)
		if err != nil {
			s.log.Error().Err(err).Msg("select_next failed")
			if s.sleep(ctx, stopChan, s.idleSleep) {
				return
			}
			continue
		}

		if job == nil {
			length, lenErr := s.store.QueueLength(ctx)
			if lenErr == nil && length == 0 {
				return
			}
			if s.sleep(ctx, stopChan, s.idleSleep) {
				return
			}
			continue
		}

		if aborted := s.processJob(ctx, job); aborted {
			return
		}
	}
}

// transitionWithRetry attempts the transition up to storeRetryAttempts
// times, pausing storeRetryDelay between tries. A request store that is
// merely slow or mid-failover gets a few chances to recover before the
// caller has to treat it as down.
func (s *Scheduler) transitionWithRetry(ctx context.Context, jobID string, status jobstore.Status, response *string) error {
	var err error
	for attempt := 1; attempt <= storeRetryAttempts; attempt++ {
		if err = s.store.Transition(ctx, jobID, status, response); err == nil {
			return nil
		}
		s.log.Warn().Err(err).Str("job_id", jobID).Str("status", string(status)).Int("attempt", attempt).Msg("store transition failed")
		if attempt < storeRetryAttempts {
			time.Sleep(storeRetryDelay)
		}
	}
	return err
}

// processJob runs one job end to end. It reports aborted=true when the
// request store stopped accepting transitions after storeRetryAttempts
// tries, per the store-failure recovery policy: the worker loop must stop
// rather than keep pulling jobs a dead store cannot track, leaving the
// last job's status exactly where the store left it for the operator to
// recover (a restart's stale-processing sweep will reclaim it).
func (s *Scheduler) processJob(ctx context.Context, job *jobstore.Job) (aborted bool) {
	s.mu.Lock()
	s.processingActive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.processingActive = false
		s.mu.Unlock()
	}()

	if err := s.transitionWithRetry(ctx, job.ID, jobstore.StatusProcessing, nil); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("store unreachable; aborting worker loop for operator recovery")
		return true
	}

	s.monitor.SetProcessing(true)
	defer s.monitor.SetProcessing(false)

	readingBefore, _ := s.monitor.CurrentReading()
	tBefore := time.Now()

	battery, _ := s.monitor.BatteryLevel()
	maxTokens := s.driver.MaxTokensForBattery(battery)

	response, genErr := s.driver.Generate(ctx, job.Prompt, maxTokens)

	readingAfter, _ := s.monitor.CurrentReading()
	tAfter := time.Now()

	if genErr != nil {
		diagnostic := fmt.Sprintf("inference failed: %v", genErr)
		if err := s.transitionWithRetry(ctx, job.ID, jobstore.StatusFailed, &diagnostic); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("store unreachable; aborting worker loop for operator recovery")
			return true
		}
		return false
	}

	s.updateCalibration(readingBefore, readingAfter, tBefore, tAfter, job.Prompt, response)

	if err := s.transitionWithRetry(ctx, job.ID, jobstore.StatusCompleted, &response); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("store unreachable; aborting worker loop for operator recovery")
		return true
	}

	if job.ConversationID != "" {
		s.mu.Lock()
		hook := s.hook
		s.mu.Unlock()
		notify.SafeInvoke(hook, job.ConversationID, s.log)
	}
	return false
}

func (s *Scheduler) updateCalibration(before, after powermonitor.PowerReading, tBefore, tAfter time.Time, prompt, response string) {
	deltaSeconds := tAfter.Sub(tBefore).Seconds()
	if deltaSeconds <= 0 {
		return
	}

	model := s.calib.snapshot()
	avgPower := model.BasePower
	if before.Power != 0 || after.Power != 0 {
		avgPower = (before.Power + after.Power) / 2
	}

	totalTokens := inference.EstimateTokens(prompt) + inference.EstimateTokens(response)
	s.calib.update(deltaSeconds, avgPower, totalTokens)
}
