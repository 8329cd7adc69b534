package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"fimcheck/config"
	"fimcheck/logger"
)

func TestHandleSignalEventCancelsContext(t *testing.T) {
	logger.Init("error")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignalEvent(cancel, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

func TestHandleSignalEventClosedChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal)
	close(sigChan)

	handleSignalEvent(cancel, sigChan)
	if ctx.Err() != nil {
		t.Fatal("closed channel must not cancel the context")
	}
}

func testConfig(t *testing.T, action, target string) *config.Config {
	t.Helper()
	state := filepath.Join(t.TempDir(), "state")
	if err := os.MkdirAll(state, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := config.Defaults()
	cfg.Action = action
	cfg.Target = target
	cfg.StorePath = filepath.Join(state, "baseline.json")
	cfg.OutputFileName = filepath.Join(state, "out.txt")
	cfg.ConcurrencyLevel = 2
	cfg.LogLevel = "error"
	return cfg
}

func runAction(t *testing.T, cfg *config.Config, action, target string) (int, string) {
	t.Helper()
	cfg.Action = action
	cfg.Target = target
	code := run(context.Background(), cfg)
	data, err := os.ReadFile(cfg.OutputFileName)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read output: %v", err)
	}
	return code, string(data)
}

func TestRunExitCodes(t *testing.T) {
	logger.Init("error")
	data := t.TempDir()
	file := filepath.Join(data, "a.txt")
	if err := os.WriteFile(file, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t, "", "")

	if code, _ := runAction(t, cfg, config.ActionGenerate, file); code != exitOK {
		t.Fatalf("generate: exit %d", code)
	}
	code, out := runAction(t, cfg, config.ActionVerify, file)
	if code != exitOK || !strings.Contains(out, "Status: ORIGINAL") {
		t.Fatalf("verify original: exit %d\n%s", code, out)
	}

	if err := os.WriteFile(file, []byte("abd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, out = runAction(t, cfg, config.ActionVerify, file)
	if code != exitFinding || !strings.Contains(out, "Status: MODIFIED") {
		t.Fatalf("verify modified: exit %d\n%s", code, out)
	}
	if code, _ := runAction(t, cfg, config.ActionVerifyAll, ""); code != exitFinding {
		t.Fatalf("verify-all with a finding: exit %d", code)
	}

	other := filepath.Join(data, "b.txt")
	if err := os.WriteFile(other, []byte("new"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, out = runAction(t, cfg, config.ActionVerify, other)
	if code != exitFinding || !strings.Contains(out, "Status: NOT_FOUND") {
		t.Fatalf("verify unknown file: exit %d\n%s", code, out)
	}
	if code, _ := runAction(t, cfg, config.ActionVerify, filepath.Join(data, "nope.txt")); code != exitError {
		t.Fatalf("verify nonexistent file: exit %d", code)
	}
}

func TestRunFolderListAndTenants(t *testing.T) {
	logger.Init("error")
	data := t.TempDir()
	for _, name := range []string{"one.txt", "two.txt"} {
		if err := os.WriteFile(filepath.Join(data, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	cfg := testConfig(t, "", "")
	cfg.Tenant = "alice"
	cfg.OutputFormat = "json"

	code, out := runAction(t, cfg, config.ActionGenerateFolder, data)
	if code != exitOK || !strings.Contains(out, `"generated": 2`) {
		t.Fatalf("generate-folder: exit %d\n%s", code, out)
	}
	code, out = runAction(t, cfg, config.ActionVerifyAll, "")
	if code != exitOK || !strings.Contains(out, `"ORIGINAL": 2`) {
		t.Fatalf("verify-all: exit %d\n%s", code, out)
	}
	code, out = runAction(t, cfg, config.ActionList, "")
	if code != exitOK || !strings.Contains(out, "one.txt") || !strings.Contains(out, "two.txt") {
		t.Fatalf("list: exit %d\n%s", code, out)
	}
	code, out = runAction(t, cfg, config.ActionTenants, "")
	if code != exitOK || !strings.Contains(out, `"alice"`) {
		t.Fatalf("tenants: exit %d\n%s", code, out)
	}
}

func TestRunCorruptStore(t *testing.T) {
	logger.Init("error")
	cfg := testConfig(t, "", "")
	if err := os.WriteFile(cfg.StorePath, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code, _ := runAction(t, cfg, config.ActionVerifyAll, ""); code != exitError {
		t.Fatalf("expected exit %d for corrupt store, got %d", exitError, code)
	}
}

func TestRunCanceledContext(t *testing.T) {
	logger.Init("error")
	data := t.TempDir()
	if err := os.WriteFile(filepath.Join(data, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t, config.ActionGenerateFolder, data)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := run(ctx, cfg); code != exitError {
		t.Fatalf("expected exit %d for canceled run, got %d", exitError, code)
	}
}

func TestStoreFiles(t *testing.T) {
	files := storeFiles("/var/lib/fim/baseline.db")
	want := []string{
		"/var/lib/fim/baseline.db",
		"/var/lib/fim/baseline.db.lock",
		"/var/lib/fim/baseline.db-wal",
		"/var/lib/fim/baseline.db-shm",
		"/var/lib/fim/baseline.db-journal",
	}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected store files: %v", files)
	}
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.FuzzyHash = true
	cfg.IdentityPolicy = "basename"
	opts := engineOptions(cfg)
	if opts.Similarity != "tlsh" || string(opts.Policy) != "basename" {
		t.Fatalf("unexpected engine options: %+v", opts)
	}
	cfg.FuzzyHash = false
	if opts := engineOptions(cfg); opts.Similarity != "" {
		t.Fatalf("similarity should be off, got %q", opts.Similarity)
	}
	cfg.StallThreshold = time.Minute
	cfg.DiagDir = "/tmp/diag"
	if opts := engineOptions(cfg); opts.StallThreshold != time.Minute || opts.DiagDir != "/tmp/diag" || opts.DumpTrace != nil {
		t.Fatalf("unexpected diagnostics options: %+v", opts)
	}
}

func TestRunWritesExecutionTrace(t *testing.T) {
	logger.Init("error")
	data := t.TempDir()
	if err := os.WriteFile(filepath.Join(data, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t, config.ActionGenerateFolder, data)
	cfg.TraceFile = filepath.Join(t.TempDir(), "trace.out")
	cfg.StallThreshold = time.Hour
	cfg.DiagDir = t.TempDir()
	if code := run(context.Background(), cfg); code != exitOK {
		t.Fatalf("generate-folder with tracing: exit %d", code)
	}
	info, err := os.Stat(cfg.TraceFile)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected a non-empty trace file, got %v %v", info, err)
	}
	entries, err := os.ReadDir(cfg.DiagDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("no stall diagnostics expected, got %v %v", entries, err)
	}
}
