package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BatteryLevelFunc is the narrow slice of powermonitor.Monitor the watchdog
// needs; declared locally so this package does not import powermonitor and
// create a dependency cycle with the scheduler that wires both together.
type BatteryLevelFunc func() (float64, error)

// watchdogThreshold is the battery percentage below which a running
// generation is terminated regardless of progress, per the driver
// contract's power-watchdog requirement.
const watchdogThreshold = 20.0

// watchdogGracePeriod is how long SIGINT is given to let the child exit on
// its own before SubprocessDriver escalates to a hard kill.
const watchdogGracePeriod = 5 * time.Second

// SubprocessDriver invokes an external inference binary as a child process,
// feeding the prompt on stdin and reading the response from stdout. A
// background watchdog polls BatteryLevel and terminates the child if power
// drops below threshold mid-generation.
type SubprocessDriver struct {
	binaryPath   string
	modelPath    string
	timeout      time.Duration
	batteryLevel BatteryLevelFunc
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewSubprocessDriver builds a driver that runs binaryPath with the given
// model, bounded by timeout, watched by a watchdog that samples
// batteryLevel roughly twice a second.
func NewSubprocessDriver(binaryPath, modelPath string, timeout time.Duration, batteryLevel BatteryLevelFunc, log zerolog.Logger) *SubprocessDriver {
	return &SubprocessDriver{
		binaryPath:   binaryPath,
		modelPath:    modelPath,
		timeout:      timeout,
		batteryLevel: batteryLevel,
		pollInterval: 500 * time.Millisecond,
		log:          log.With().Str("component", "inference.subprocess").Logger(),
	}
}

// Generate runs the subprocess, writes prompt to its stdin, and returns its
// stdout. If the watchdog fires, the output collected so far is returned
// with TruncationMarker appended instead of an error, per the driver
// contract ("returns a truncated result ... MUST include a visible
// truncation marker").
func (d *SubprocessDriver) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.binaryPath, "--model", d.modelPath, "--max-tokens", strconv.Itoa(maxTokens))
	cmd.Stdin = bytes.NewBufferString(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("inference: starting subprocess: %w", err)
	}

	var reaper sync.Once
	truncated := make(chan struct{})
	watchdogDone := make(chan struct{})
	go d.watch(cmd, &reaper, truncated, watchdogDone)

	waitErr := cmd.Wait()
	close(watchdogDone)

	// watch() closes truncated, synchronously, before signaling the child;
	// cmd.Wait only returns once the child has actually exited, so if the
	// watchdog fired this read never blocks.
	select {
	case <-truncated:
		return stdout.String() + TruncationMarker, nil
	default:
	}

	if waitErr != nil {
		if runCtx.Err() != nil {
			return stdout.String() + TruncationMarker, nil
		}
		return "", fmt.Errorf("inference: subprocess failed: %w (stderr: %s)", waitErr, stderr.String())
	}

	return stdout.String(), nil
}

// watch polls battery level while the subprocess runs. When it drops below
// watchdogThreshold, it signals the process to stop and, after the grace
// period, kills it outright. reaper guards against calling Signal/Kill more
// than once so the watchdog and a naturally-exiting process can never race
// to reap the same child twice.
func (d *SubprocessDriver) watch(cmd *exec.Cmd, reaper *sync.Once, truncated chan<- struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			level, err := d.batteryLevel()
			if err != nil {
				continue // transient resource failure; keep running
			}
			if level >= watchdogThreshold {
				continue
			}
			d.log.Warn().Float64("battery_percent", level).Msg("terminating generation: battery below watchdog threshold")
			reaper.Do(func() {
				close(truncated)
				_ = cmd.Process.Signal(os.Interrupt)
				go d.hardKillAfterGrace(cmd)
			})
			return
		}
	}
}

func (d *SubprocessDriver) hardKillAfterGrace(cmd *exec.Cmd) {
	timer := time.NewTimer(watchdogGracePeriod)
	defer timer.Stop()
	<-timer.C
	_ = cmd.Process.Kill()
}

// MaxTokensForBattery delegates to the shared contract mapping.
func (d *SubprocessDriver) MaxTokensForBattery(batteryPercent float64) int {
	return MaxTokensForBattery(batteryPercent)
}

var _ Driver = (*SubprocessDriver)(nil)
