package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"sort"
	"time"

	"fimcheck/baseline"
	"fimcheck/fuzzy"
	"fimcheck/hasher"
	"fimcheck/logger"
	"fimcheck/utils"
)

var (
	// ErrFileNotFound is returned when the target file does not exist and no
	// record for it is known.
	ErrFileNotFound   = errors.New("file not found")
	ErrNotRegularFile = errors.New("not a regular file")
)

// Status is the overall outcome of verifying one file.
type Status string

const (
	StatusOriginal    Status = "ORIGINAL"
	StatusModified    Status = "MODIFIED"
	StatusNotFound    Status = "NOT_FOUND"
	StatusMissingFile Status = "MISSING_FILE"
	// StatusError marks a bulk item that could not be read.
	StatusError Status = "ERROR"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusOriginal, StatusModified, StatusNotFound, StatusMissingFile, StatusError}

// Finding reports whether the status should fail an integrity check.
func (s Status) Finding() bool {
	return s != StatusOriginal
}

// Check is the comparison of one algorithm.
type Check struct {
	Algorithm string `json:"algorithm"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
	Match     bool   `json:"match"`
}

// Result is the outcome of verifying one file against its baseline.
type Result struct {
	Tenant             string    `json:"tenant"`
	Identity           string    `json:"identity"`
	Path               string    `json:"path"`
	Status             Status    `json:"status"`
	Checks             []Check   `json:"checks"`
	CheckedAt          time.Time `json:"checked_at"`
	Error              string    `json:"error,omitempty"`
	SimilarityDistance *int      `json:"similarity_distance,omitempty"`
}

// Options tunes an Engine. Zero values pick sensible defaults.
type Options struct {
	// Algorithms used for new records. Defaults to hasher.DefaultAlgorithms.
	Algorithms []string
	Policy     baseline.IdentityPolicy
	// Similarity names a fuzzy hasher ("tlsh") to record alongside digests.
	Similarity  string
	Concurrency int
	// MaxIOPerSecond caps files opened per second in bulk operations.
	MaxIOPerSecond int
	Include        []string
	Exclude        []string
	MaxFileSize    int64
	// IgnorePaths are never hashed by GenerateFolder, typically the store's
	// own files.
	IgnorePaths []string
	// Scope restricts VerifyAll to records under these roots.
	Scope []string
	// Progress enables a progress bar on ProgressOut for bulk operations.
	Progress    bool
	ProgressOut io.Writer
	// StallThreshold enables the bulk watchdog: when no file completes for
	// this long, diagnostics are dumped to DiagDir.
	StallThreshold time.Duration
	DiagDir        string
	// DumpTrace writes the flight recorder window; it may be nil.
	DumpTrace func(path string) error
	Now       func() time.Time
}

// Engine generates and verifies baselines against a Store.
type Engine struct {
	store      baseline.Store
	opts       Options
	matcher    baseline.Matcher
	algorithms []string
	similarity fuzzy.Hasher
	patterns   *utils.PatternMatcher
	ignore     map[string]struct{}
}

// New validates opts and returns an Engine bound to store.
func New(store baseline.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(opts.Algorithms) == 0 {
		opts.Algorithms = hasher.DefaultAlgorithms
	}
	algorithms, err := hasher.Normalize(opts.Algorithms)
	if err != nil {
		return nil, err
	}
	if opts.Policy == "" {
		opts.Policy = baseline.PolicyPath
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.MaxIOPerSecond < 0 {
		return nil, fmt.Errorf("max I/O per second cannot be negative")
	}
	if opts.MaxFileSize < 0 {
		return nil, fmt.Errorf("max file size cannot be negative")
	}
	if opts.StallThreshold < 0 {
		return nil, fmt.Errorf("stall threshold cannot be negative")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProgressOut == nil {
		opts.ProgressOut = os.Stderr
	}

	patterns, err := utils.NewPatternMatcher(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:      store,
		opts:       opts,
		matcher:    baseline.NewMatcher(opts.Policy),
		algorithms: algorithms,
		patterns:   patterns,
		ignore:     map[string]struct{}{},
	}
	if opts.Similarity != "" {
		sim, err := fuzzy.Lookup(opts.Similarity)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, opts.Similarity)
		}
		e.similarity = sim
	}
	for _, p := range opts.IgnorePaths {
		if canonical, err := utils.CanonicalPath(p); err == nil {
			e.ignore[canonical] = struct{}{}
		}
	}
	return e, nil
}

// Algorithms returns the normalized algorithm set used for new records.
func (e *Engine) Algorithms() []string {
	return append([]string(nil), e.algorithms...)
}

// Generate hashes path and stores it as the tenant's baseline, replacing any
// earlier record with the same identity.
func (e *Engine) Generate(ctx context.Context, tenant, path string) (*baseline.Record, error) {
	tenant, err := baseline.NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}
	canonical, err := e.locate(path)
	if err != nil {
		return nil, err
	}
	rec, err := e.buildRecord(canonical)
	if err != nil {
		return nil, err
	}
	err = e.store.Update(ctx, tenant, func(c *baseline.Collection) error {
		c.Replace(*rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{
		"tenant":   tenant,
		"identity": rec.Identity,
	}).Info("Baseline generated")
	return rec, nil
}

// Verify re-hashes path and compares it with the tenant's stored record.
func (e *Engine) Verify(ctx context.Context, tenant, path string) (*Result, error) {
	tenant, err := baseline.NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}
	canonical, err := utils.CanonicalPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	identity, err := e.matcher.Identity(canonical)
	if err != nil {
		return nil, err
	}
	coll, err := e.store.Load(ctx, tenant)
	if err != nil {
		return nil, err
	}
	rec, found := e.matcher.Find(identity, coll)

	if _, err := os.Stat(canonical); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, &hasher.ReadError{Path: canonical, Err: err}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return e.missingResult(tenant, rec, canonical), nil
	}
	if !found {
		return e.unknownResult(tenant, identity, canonical)
	}
	return e.compare(tenant, rec, canonical)
}

// List returns the tenant's records, newest first.
func (e *Engine) List(ctx context.Context, tenant string) ([]baseline.Record, error) {
	tenant, err := baseline.NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}
	coll, err := e.store.Load(ctx, tenant)
	if err != nil {
		return nil, err
	}
	records := append([]baseline.Record(nil), coll.Records...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Tenants lists tenants that own records.
func (e *Engine) Tenants(ctx context.Context) ([]string, error) {
	return e.store.Tenants(ctx)
}

func (e *Engine) locate(path string) (string, error) {
	canonical, err := utils.CanonicalPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", &hasher.ReadError{Path: canonical, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	return canonical, nil
}

// buildRecord hashes canonical and captures its attributes.
func (e *Engine) buildRecord(canonical string) (*baseline.Record, error) {
	identity, err := e.matcher.Identity(canonical)
	if err != nil {
		return nil, err
	}
	fd, err := e.hash(canonical, e.algorithms)
	if err != nil {
		return nil, err
	}
	attrs := readAttributes(canonical, fd.Head)
	rec := &baseline.Record{
		Identity:   identity,
		Path:       canonical,
		Digests:    fd.Digests,
		CreatedAt:  e.opts.Now().UTC(),
		Size:       fd.Size,
		ModTime:    attrs.ModTime,
		ChangeTime: attrs.ChangeTime,
		MimeType:   attrs.MimeType,
	}
	rec.Similarity = e.similarityDigest(canonical, fd.Size)
	return rec, nil
}

func (e *Engine) hash(canonical string, algorithms []string) (*hasher.FileDigest, error) {
	fd, err := hasher.HashFile(canonical, algorithms)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, canonical)
		case errors.Is(err, hasher.ErrNotRegular):
			return nil, fmt.Errorf("%w: %s", ErrNotRegularFile, canonical)
		}
		return nil, err
	}
	return fd, nil
}

func (e *Engine) similarityDigest(canonical string, size int64) string {
	if e.similarity == nil || size < fuzzy.TLSHMinSize {
		return ""
	}
	digest, err := e.similarity.HashFile(canonical)
	if err != nil {
		logger.Debugf("Similarity digest skipped for %s: %v", canonical, err)
		return ""
	}
	return digest
}

func (e *Engine) compare(tenant string, rec baseline.Record, canonical string) (*Result, error) {
	fd, err := e.hash(canonical, rec.Algorithms())
	if err != nil {
		return nil, err
	}
	result := &Result{
		Tenant:    tenant,
		Identity:  rec.Identity,
		Path:      canonical,
		Status:    StatusOriginal,
		CheckedAt: e.opts.Now().UTC(),
	}
	for _, name := range rec.Algorithms() {
		check := Check{
			Algorithm: name,
			Expected:  rec.Digests[name],
			Actual:    fd.Digests[name],
		}
		check.Match = check.Expected == check.Actual
		if !check.Match {
			result.Status = StatusModified
		}
		result.Checks = append(result.Checks, check)
	}
	if result.Status == StatusModified && rec.Similarity != "" && e.similarity != nil {
		if current := e.similarityDigest(canonical, fd.Size); current != "" {
			if distance, err := e.similarity.Distance(rec.Similarity, current); err == nil {
				result.SimilarityDistance = &distance
			} else {
				logger.Debugf("Similarity distance skipped for %s: %v", canonical, err)
			}
		}
	}
	return result, nil
}

func (e *Engine) unknownResult(tenant, identity, canonical string) (*Result, error) {
	fd, err := e.hash(canonical, e.algorithms)
	if err != nil {
		return nil, err
	}
	result := &Result{
		Tenant:    tenant,
		Identity:  identity,
		Path:      canonical,
		Status:    StatusNotFound,
		CheckedAt: e.opts.Now().UTC(),
	}
	for _, name := range e.algorithms {
		result.Checks = append(result.Checks, Check{Algorithm: name, Actual: fd.Digests[name]})
	}
	return result, nil
}

func (e *Engine) missingResult(tenant string, rec baseline.Record, canonical string) *Result {
	result := &Result{
		Tenant:    tenant,
		Identity:  rec.Identity,
		Path:      canonical,
		Status:    StatusMissingFile,
		CheckedAt: e.opts.Now().UTC(),
	}
	for _, name := range rec.Algorithms() {
		result.Checks = append(result.Checks, Check{Algorithm: name, Expected: rec.Digests[name]})
	}
	return result
}
