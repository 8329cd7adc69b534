// Package diag watches bulk verify and generate runs and captures
// diagnostics when they stop making progress.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"fimcheck/logger"
)

const (
	minPollInterval = 250 * time.Millisecond
	maxPollInterval = 2 * time.Second
	artifactPrefix  = "fimcheck"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Options configures the watchdog of one bulk run.
type Options struct {
	// StallThreshold is how long the completed-file count may stand still
	// before a dump. Zero disables the watchdog.
	StallThreshold time.Duration
	// Dir receives the artifacts; empty means the working directory.
	Dir       string
	Operation string
	RunID     string
	// Completed returns the number of files the run has finished.
	Completed func() int64
	// DumpTrace writes the flight recorder window to a path; may be nil.
	DumpTrace func(path string) error

	Now      func() time.Time
	Profiles func(name string) profileWriter
}

// Watchdog samples a bulk run's completed-file count. When the count has not
// moved for the threshold it logs a warning and writes a stall event, a
// goroutine profile and the flight recorder window. At most one dump is
// written per threshold window.
type Watchdog struct {
	opts Options

	mu         sync.Mutex
	lastCount  int64
	lastChange time.Time
	lastDump   time.Time
	dumps      int

	stop chan struct{}
	done chan struct{}
}

type stallEvent struct {
	Event       string   `json:"event"`
	Operation   string   `json:"operation"`
	RunID       string   `json:"run_id"`
	Timestamp   string   `json:"timestamp"`
	Completed   int64    `json:"completed"`
	ThresholdMS int64    `json:"threshold_ms"`
	StalledMS   int64    `json:"stalled_ms"`
	Artifacts   []string `json:"artifacts"`
}

func New(opts Options) *Watchdog {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Profiles == nil {
		opts.Profiles = lookupProfile
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Watchdog{opts: opts}
}

// lookupProfile keeps a missing profile a nil interface rather than a nil
// *pprof.Profile.
func lookupProfile(name string) profileWriter {
	if p := pprof.Lookup(name); p != nil {
		return p
	}
	return nil
}

func pollInterval(threshold time.Duration) time.Duration {
	return min(max(threshold/2, minPollInterval), maxPollInterval)
}

// Start samples progress in the background until ctx ends or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil || w.opts.StallThreshold <= 0 || w.opts.Completed == nil || w.stop != nil {
		return
	}
	w.mu.Lock()
	w.lastCount = w.opts.Completed()
	w.lastChange = w.opts.Now()
	w.lastDump = time.Time{}
	w.mu.Unlock()

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(pollInterval(w.opts.StallThreshold))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.check(w.opts.Now())
			}
		}
	}()
}

// Stop ends sampling and waits for the sampler to exit. Safe to call twice.
func (w *Watchdog) Stop() {
	if w == nil || w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil
	w.done = nil
}

// Dumps reports how many stall dumps were written.
func (w *Watchdog) Dumps() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dumps
}

func (w *Watchdog) check(now time.Time) {
	if w == nil || w.opts.Completed == nil || w.opts.StallThreshold <= 0 {
		return
	}
	count := w.opts.Completed()
	threshold := w.opts.StallThreshold

	w.mu.Lock()
	if count != w.lastCount || w.lastChange.IsZero() {
		w.lastCount = count
		w.lastChange = now
		w.mu.Unlock()
		return
	}
	stalledFor := now.Sub(w.lastChange)
	due := stalledFor >= threshold && (w.lastDump.IsZero() || now.Sub(w.lastDump) >= threshold)
	if due {
		w.lastDump = now
		w.dumps++
	}
	w.mu.Unlock()
	if !due {
		return
	}

	logger.WithFields(logger.Fields{
		"operation":  w.opts.Operation,
		"run_id":     w.opts.RunID,
		"completed":  count,
		"stalled_ms": stalledFor.Milliseconds(),
	}).Warn("Bulk run made no progress")
	if _, err := w.dump(now, count, stalledFor); err != nil {
		logger.Warnf("Stall diagnostics failed: %v", err)
	}
}

// dump writes the artifacts of one stall under a shared timestamp and returns
// the path of the event file.
func (w *Watchdog) dump(now time.Time, count int64, stalledFor time.Duration) (string, error) {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return "", err
	}
	ts := now.UTC().Format("20060102-150405.000")
	event := stallEvent{
		Event:       "bulk_run_stalled",
		Operation:   w.opts.Operation,
		RunID:       w.opts.RunID,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Completed:   count,
		ThresholdMS: w.opts.StallThreshold.Milliseconds(),
		StalledMS:   stalledFor.Milliseconds(),
		Artifacts:   []string{},
	}

	if path, err := w.writeProfile("goroutine", 2, ts); err != nil {
		logger.Warnf("Goroutine profile unavailable: %v", err)
	} else {
		event.Artifacts = append(event.Artifacts, filepath.Base(path))
	}
	if w.opts.DumpTrace != nil {
		path := w.artifactPath("flight", ts, ".out")
		if err := w.opts.DumpTrace(path); err != nil {
			logger.Warnf("Flight recorder dump failed: %v", err)
		} else {
			event.Artifacts = append(event.Artifacts, filepath.Base(path))
		}
	}

	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return "", err
	}
	eventPath := w.artifactPath("stall", ts, ".json")
	if err := os.WriteFile(eventPath, data, 0o600); err != nil {
		return "", err
	}
	return eventPath, nil
}

func (w *Watchdog) artifactPath(kind, ts, ext string) string {
	return filepath.Join(w.opts.Dir, fmt.Sprintf("%s-%s-%s%s", artifactPrefix, kind, ts, ext))
}

func (w *Watchdog) writeProfile(name string, debug int, ts string) (string, error) {
	profile := w.opts.Profiles(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	path := w.artifactPath(name, ts, ".pprof")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if err := profile.WriteTo(f, debug); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
