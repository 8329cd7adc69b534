package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"

	"fimcheck/baseline"
	"fimcheck/diag"
	"fimcheck/logger"
	"fimcheck/tracing"
	"fimcheck/utils"
)

const (
	OperationVerifyAll      = "verify-all"
	OperationGenerateFolder = "generate-folder"
)

// Summary describes one bulk run.
type Summary struct {
	RunID      string         `json:"run_id"`
	Operation  string         `json:"operation"`
	Tenant     string         `json:"tenant"`
	Total      int            `json:"total"`
	Counts     map[Status]int `json:"counts,omitempty"`
	Generated  int            `json:"generated,omitempty"`
	Skipped    int            `json:"skipped,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Findings counts results whose status is not ORIGINAL.
func (s Summary) Findings() int {
	n := 0
	for status, count := range s.Counts {
		if status.Finding() {
			n += count
		}
	}
	return n
}

// Report is the outcome of VerifyAll. Results keep the collection order.
type Report struct {
	Summary Summary  `json:"summary"`
	Results []Result `json:"results"`
}

// SkippedFile is a file GenerateFolder did not record.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// FolderReport is the outcome of GenerateFolder.
type FolderReport struct {
	Summary Summary           `json:"summary"`
	Records []baseline.Record `json:"records"`
	Skipped []SkippedFile     `json:"skipped,omitempty"`
}

// VerifyAll verifies every record of tenant. A missing file yields
// MISSING_FILE and an unreadable one ERROR; neither stops the batch. A store
// that cannot be loaded aborts it.
func (e *Engine) VerifyAll(ctx context.Context, tenant string) (*Report, error) {
	tenant, err := baseline.NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}
	ctx, endTask := tracing.StartTask(ctx, OperationVerifyAll)
	defer endTask()
	coll, err := e.store.Load(ctx, tenant)
	if err != nil {
		return nil, err
	}
	records := coll.Records
	if len(e.opts.Scope) > 0 {
		records = make([]baseline.Record, 0, len(coll.Records))
		for _, rec := range coll.Records {
			if utils.IsPathWithin(recordPath(rec), e.opts.Scope) {
				records = append(records, rec)
			}
		}
	}

	summary := e.newSummary(OperationVerifyAll, tenant)
	results := make([]Result, len(records))
	err = e.runPool(ctx, summary, len(records), "Verifying files", func(i int) {
		results[i] = e.verifyRecord(tenant, records[i])
	})
	if err != nil {
		return nil, err
	}

	summary.Total = len(results)
	summary.Counts = make(map[Status]int, len(Statuses))
	for _, result := range results {
		summary.Counts[result.Status]++
	}
	summary.FinishedAt = e.opts.Now().UTC()
	logger.WithFields(logger.Fields{
		"run_id":   summary.RunID,
		"tenant":   tenant,
		"total":    summary.Total,
		"findings": summary.Findings(),
	}).Info("Verification finished")
	return &Report{Summary: summary, Results: results}, nil
}

// GenerateFolder records a baseline for every regular file under root that
// passes the include/exclude filters and size cap. All records are written
// in a single store update.
func (e *Engine) GenerateFolder(ctx context.Context, tenant, root string) (*FolderReport, error) {
	tenant, err := baseline.NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}
	canonicalRoot, err := utils.CanonicalPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(canonicalRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, root)
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	ctx, endTask := tracing.StartTask(ctx, OperationGenerateFolder)
	defer endTask()
	summary := e.newSummary(OperationGenerateFolder, tenant)
	report := &FolderReport{}
	paths, skipped, err := e.collectFiles(ctx, canonicalRoot)
	if err != nil {
		return nil, err
	}
	report.Skipped = skipped

	built := make([]*baseline.Record, len(paths))
	failures := make([]error, len(paths))
	err = e.runPool(ctx, summary, len(paths), "Hashing files", func(i int) {
		built[i], failures[i] = e.buildRecord(paths[i])
	})
	if err != nil {
		return nil, err
	}

	for i, rec := range built {
		if failures[i] != nil {
			logger.Warnf("Skipping %s: %v", paths[i], failures[i])
			report.Skipped = append(report.Skipped, SkippedFile{Path: paths[i], Reason: failures[i].Error()})
			continue
		}
		report.Records = append(report.Records, *rec)
	}

	if len(report.Records) > 0 {
		err = e.store.Update(ctx, tenant, func(c *baseline.Collection) error {
			for _, rec := range report.Records {
				c.Replace(rec)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	summary.Total = len(paths) + len(skipped)
	summary.Generated = len(report.Records)
	summary.Skipped = len(report.Skipped)
	summary.FinishedAt = e.opts.Now().UTC()
	report.Summary = summary
	logger.WithFields(logger.Fields{
		"run_id":    summary.RunID,
		"tenant":    tenant,
		"root":      canonicalRoot,
		"generated": summary.Generated,
		"skipped":   summary.Skipped,
	}).Info("Folder baseline generated")
	return report, nil
}

func (e *Engine) collectFiles(ctx context.Context, root string) ([]string, []SkippedFile, error) {
	var (
		paths   []string
		skipped []SkippedFile
	)
	err := walkTree(ctx, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("Failed to access %s: %v", path, err)
			skipped = append(skipped, SkippedFile{Path: path, Reason: err.Error()})
			return nil
		}
		if d == nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = d.Name()
		}
		if d.IsDir() {
			if path != root && e.patterns.Excluded(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ignored := e.ignore[path]; ignored {
			return nil
		}
		if !e.patterns.ShouldInclude(rel) {
			return nil
		}
		if e.opts.MaxFileSize > 0 {
			if info, err := d.Info(); err == nil && info.Size() > e.opts.MaxFileSize {
				skipped = append(skipped, SkippedFile{Path: path, Reason: "exceeds max file size"})
				return nil
			}
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return paths, skipped, nil
}

func (e *Engine) verifyRecord(tenant string, rec baseline.Record) Result {
	path := recordPath(rec)
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return *e.missingResult(tenant, rec, path)
	}
	result, err := e.compare(tenant, rec, path)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return *e.missingResult(tenant, rec, path)
		}
		logger.Warnf("Failed to verify %s: %v", path, err)
		return Result{
			Tenant:    tenant,
			Identity:  rec.Identity,
			Path:      path,
			Status:    StatusError,
			CheckedAt: e.opts.Now().UTC(),
			Error:     err.Error(),
		}
	}
	return *result
}

// runPool feeds indexes 0..n-1 to the configured number of workers. Each
// index is handled exactly once unless ctx is canceled, in which case
// dispatch stops and ctx.Err() is returned after in-flight work drains.
func (e *Engine) runPool(ctx context.Context, summary Summary, n int, description string, work func(i int)) error {
	if n == 0 {
		return ctx.Err()
	}
	limiter := e.newLimiter()
	bar := e.newProgressBar(n, description)
	tracing.Log(ctx, "run", fmt.Sprintf("%s %s tenant=%s files=%d", summary.Operation, summary.RunID, summary.Tenant, n))

	var completed atomic.Int64
	watchdog := diag.New(diag.Options{
		StallThreshold: e.opts.StallThreshold,
		Dir:            e.opts.DiagDir,
		Operation:      summary.Operation,
		RunID:          summary.RunID,
		Completed:      completed.Load,
		DumpTrace:      e.opts.DumpTrace,
	})
	watchdog.Start(ctx)
	defer watchdog.Stop()

	progressCh := make(chan int, max(e.opts.Concurrency*4, 64))
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		for delta := range progressCh {
			_ = bar.Add(delta)
		}
	}()

	tasks := make(chan int, e.opts.Concurrency)
	var wg sync.WaitGroup
	for range min(e.opts.Concurrency, n) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				endRegion := tracing.StartRegion(ctx, "file")
				work(i)
				endRegion()
				completed.Add(1)
				progressCh <- 1
			}
		}()
	}

	var dispatchErr error
dispatch:
	for i := 0; i < n; i++ {
		if limiter != nil {
			// Wait gives up early when the next token lands after the deadline.
			if err := limiter.Wait(ctx); err != nil {
				dispatchErr = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
				break
			}
		}
		select {
		case <-ctx.Done():
			break dispatch
		case tasks <- i:
		}
	}
	close(tasks)
	wg.Wait()
	close(progressCh)
	progressWG.Wait()
	_ = bar.Finish()
	if err := ctx.Err(); err != nil {
		return err
	}
	return dispatchErr
}

func (e *Engine) newLimiter() *rate.Limiter {
	if e.opts.MaxIOPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(e.opts.MaxIOPerSecond), e.opts.MaxIOPerSecond)
}

func (e *Engine) newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(e.opts.ProgressOut),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(e.progressVisible()),
		progressbar.OptionFullWidth(),
	)
}

func (e *Engine) progressVisible() bool {
	if !e.opts.Progress {
		return false
	}
	value := strings.ToLower(strings.TrimSpace(os.Getenv("FIMCHECK_DISABLE_PROGRESS")))
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return false
	}
	f, ok := e.opts.ProgressOut.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (e *Engine) newSummary(operation, tenant string) Summary {
	return Summary{
		RunID:     uuid.NewString(),
		Operation: operation,
		Tenant:    tenant,
		StartedAt: e.opts.Now().UTC(),
	}
}

func recordPath(rec baseline.Record) string {
	if rec.Path != "" {
		return rec.Path
	}
	return rec.Identity
}
