package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fimcheck/baseline"
	"fimcheck/config"
	"fimcheck/engine"
	"fimcheck/logger"
	"fimcheck/output"
	"fimcheck/tracing"
)

const (
	exitOK      = 0
	exitError   = 1
	exitFinding = 3
)

const (
	flightRecorderBytes = 16 << 20
	flightRecorderAge   = 10 * time.Second
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(exitError)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go handleSignalEvent(cancel, sigChan)

	code := run(ctx, cfg)
	signal.Stop(sigChan)
	cancel()
	os.Exit(code)
}

func handleSignalEvent(cancelFunc context.CancelFunc, sigChan <-chan os.Signal) {
	sig, ok := <-sigChan
	if !ok {
		return
	}
	logger.Infof("Received %s. Shutting down...", sig)
	cancelFunc()
}

// run executes the configured action and returns the process exit code.
func run(ctx context.Context, cfg *config.Config) int {
	if cfg.TraceFile != "" {
		session, err := tracing.Start(cfg.TraceFile)
		if err != nil {
			logFailure("Failed to start execution trace", err)
			return exitError
		}
		defer func() {
			if err := session.Stop(); err != nil {
				logger.Warnf("Failed to finish execution trace: %v", err)
			}
		}()
	}

	opts := engineOptions(cfg)
	if cfg.TraceFlight {
		flight, err := tracing.StartFlightRecorder(flightRecorderBytes, flightRecorderAge)
		if err != nil {
			logger.Warnf("Flight recorder unavailable: %v", err)
		} else {
			defer flight.Stop()
			opts.DumpTrace = flight.WriteFile
		}
	}

	store, err := baseline.OpenStore(storeOptions(cfg))
	if err != nil {
		logFailure("Failed to open baseline store", err)
		return exitError
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Failed to close baseline store: %v", err)
		}
	}()

	eng, err := engine.New(store, opts)
	if err != nil {
		logFailure("Failed to initialize engine", err)
		return exitError
	}

	writer, err := output.New(cfg)
	if err != nil {
		logFailure("Failed to initialize output", err)
		return exitError
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warnf("Failed to close output: %v", err)
		}
	}()

	findings, err := dispatch(ctx, cfg, eng, writer)
	if err != nil {
		logFailure(fmt.Sprintf("%s failed", cfg.Action), err)
		return exitError
	}
	if findings > 0 {
		return exitFinding
	}
	return exitOK
}

// dispatch runs one action, writes its output and returns how many
// integrity findings it produced.
func dispatch(ctx context.Context, cfg *config.Config, eng *engine.Engine, w *output.Writer) (int, error) {
	switch cfg.Action {
	case config.ActionGenerate:
		rec, err := eng.Generate(ctx, cfg.Tenant, cfg.Target)
		if err != nil {
			return 0, err
		}
		return 0, w.WriteRecord(cfg.Tenant, *rec)
	case config.ActionGenerateFolder:
		report, err := eng.GenerateFolder(ctx, cfg.Tenant, cfg.Target)
		if err != nil {
			return 0, err
		}
		return 0, w.WriteFolderReport(report)
	case config.ActionVerify:
		result, err := eng.Verify(ctx, cfg.Tenant, cfg.Target)
		if err != nil {
			return 0, err
		}
		findings := 0
		if result.Status.Finding() {
			findings = 1
		}
		return findings, w.WriteResult(*result)
	case config.ActionVerifyAll:
		report, err := eng.VerifyAll(ctx, cfg.Tenant)
		if err != nil {
			return 0, err
		}
		return report.Summary.Findings(), w.WriteReport(report)
	case config.ActionList:
		records, err := eng.List(ctx, cfg.Tenant)
		if err != nil {
			return 0, err
		}
		return 0, w.WriteRecords(cfg.Tenant, records)
	case config.ActionTenants:
		tenants, err := eng.Tenants(ctx)
		if err != nil {
			return 0, err
		}
		return 0, w.WriteTenants(tenants)
	default:
		return 0, fmt.Errorf("unknown action: %q", cfg.Action)
	}
}

func storeOptions(cfg *config.Config) baseline.Options {
	policy, _ := baseline.ParseIdentityPolicy(cfg.IdentityPolicy)
	return baseline.Options{
		Backend:     cfg.StoreBackend,
		Path:        cfg.StorePath,
		Layout:      baseline.Layout(cfg.StoreLayout),
		Policy:      policy,
		SigningKey:  cfg.SigningKey,
		LockTimeout: cfg.LockTimeout,
	}
}

func engineOptions(cfg *config.Config) engine.Options {
	policy, _ := baseline.ParseIdentityPolicy(cfg.IdentityPolicy)
	opts := engine.Options{
		Algorithms:     cfg.HashAlgorithms,
		Policy:         policy,
		Concurrency:    cfg.ConcurrencyLevel,
		MaxIOPerSecond: cfg.MaxIOPerSecond,
		Include:        cfg.IncludePatterns,
		Exclude:        cfg.ExcludePatterns,
		MaxFileSize:    cfg.MaxFileSize,
		IgnorePaths:    storeFiles(cfg.StorePath),
		Scope:          cfg.Scope,
		Progress:       cfg.Progress,
		ProgressOut:    os.Stderr,
		StallThreshold: cfg.StallThreshold,
		DiagDir:        cfg.DiagDir,
	}
	if cfg.FuzzyHash {
		opts.Similarity = cfg.FuzzyAlgorithm
	}
	return opts
}

// storeFiles lists the store file and its sidecars so a folder generate
// never records them.
func storeFiles(storePath string) []string {
	abs, err := filepath.Abs(storePath)
	if err != nil {
		abs = storePath
	}
	files := []string{abs}
	for _, suffix := range []string{".lock", "-wal", "-shm", "-journal"} {
		files = append(files, abs+suffix)
	}
	return files
}

func logFailure(msg string, err error) {
	logger.WithFields(logger.Fields{
		"kind":  engine.ErrorKind(err),
		"error": err.Error(),
	}).Error(msg)
}
