package tracing

import (
	"context"
	"fmt"
	"os"
	"runtime/trace"
	"time"
)

// Session is an execution trace being written to a file.
type Session struct {
	file *os.File
}

// Start begins a runtime execution trace written to path. Only one trace may
// be active per process.
func Start(path string) (*Session, error) {
	if trace.IsEnabled() {
		return nil, fmt.Errorf("execution trace already active")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	if err := trace.Start(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Session{file: f}, nil
}

// Stop ends the trace and closes its file.
func (s *Session) Stop() error {
	if s == nil || s.file == nil {
		return nil
	}
	trace.Stop()
	err := s.file.Close()
	s.file = nil
	return err
}

// StartTask begins a trace task and returns the derived context and a function
// to end the task. Tasks cost almost nothing when no trace is active.
func StartTask(ctx context.Context, name string) (context.Context, func()) {
	ctx, task := trace.NewTask(ctx, name)
	return ctx, task.End
}

// StartRegion marks the beginning of a region in the trace and returns a
// function that ends the region when invoked.
func StartRegion(ctx context.Context, name string) func() {
	return trace.StartRegion(ctx, name).End
}

// Log attaches a message to the task carried by ctx.
func Log(ctx context.Context, category, message string) {
	trace.Log(ctx, category, message)
}

// FlightRecorder keeps the most recent window of trace data in memory so it
// can be written out after something goes wrong.
type FlightRecorder struct {
	recorder *trace.FlightRecorder
}

// StartFlightRecorder enables the in-memory flight recorder.
func StartFlightRecorder(maxBytes uint64, minAge time.Duration) (*FlightRecorder, error) {
	recorder := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MaxBytes: maxBytes,
		MinAge:   minAge,
	})
	if err := recorder.Start(); err != nil {
		return nil, err
	}
	return &FlightRecorder{recorder: recorder}, nil
}

// Stop stops the flight recorder if it is running.
func (r *FlightRecorder) Stop() {
	if r == nil || r.recorder == nil {
		return
	}
	r.recorder.Stop()
	r.recorder = nil
}

// WriteFile writes the current flight recorder window to path. A stopped or
// nil recorder writes nothing.
func (r *FlightRecorder) WriteFile(path string) error {
	if r == nil || r.recorder == nil || !r.recorder.Enabled() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = r.recorder.WriteTo(f)
	return err
}
