package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTasksAndRegionsWithoutTrace(t *testing.T) {
	ctx, endTask := StartTask(context.Background(), "unit-test-task")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	endRegion := StartRegion(ctx, "unit-test-region")
	Log(ctx, "file", "/tmp/a")
	endRegion()
	endTask()
}

func TestSessionWritesTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.out")
	session, err := Start(path)
	if err != nil {
		t.Skipf("execution trace unavailable: %v", err)
	}
	ctx, endTask := StartTask(context.Background(), "verify-all")
	StartRegion(ctx, "hash")()
	endTask()
	if err := session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected trace data")
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestStartFailsOnBadPath(t *testing.T) {
	if _, err := Start(filepath.Join(t.TempDir(), "missing", "trace.out")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestFlightRecorderNilAndStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.out")
	var recorder *FlightRecorder
	if err := recorder.WriteFile(path); err != nil {
		t.Fatalf("nil recorder returned error: %v", err)
	}
	recorder.Stop()
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file to be written without a recorder")
	}

	started, err := StartFlightRecorder(1<<20, time.Second)
	if err != nil {
		t.Skipf("flight recorder unavailable: %v", err)
	}
	started.Stop()
	if err := started.WriteFile(path); err != nil {
		t.Fatalf("stopped recorder returned error: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file after stop")
	}
}
