package config

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"fimcheck/baseline"
	"fimcheck/fuzzy"
	"fimcheck/hasher"
	"fimcheck/utils"
	"fimcheck/version"
)

const (
	ActionGenerate       = "generate"
	ActionGenerateFolder = "generate-folder"
	ActionVerify         = "verify"
	ActionVerifyAll      = "verify-all"
	ActionList           = "list"
	ActionTenants        = "tenants"
)

type Config struct {
	Action           string            `json:"-" toml:"-" yaml:"-"`
	Target           string            `json:"-" toml:"-" yaml:"-"`
	StorePath        string            `json:"store_path" toml:"store_path" yaml:"store_path"`
	StoreBackend     string            `json:"store_backend" toml:"store_backend" yaml:"store_backend"`
	StoreLayout      string            `json:"store_layout" toml:"store_layout" yaml:"store_layout"`
	LockTimeout      time.Duration     `json:"lock_timeout" toml:"lock_timeout" yaml:"lock_timeout"`
	Tenant           string            `json:"tenant" toml:"tenant" yaml:"tenant"`
	IdentityPolicy   string            `json:"identity_policy" toml:"identity_policy" yaml:"identity_policy"`
	HashAlgorithms   []string          `json:"hash_algorithms" toml:"hash_algorithms" yaml:"hash_algorithms"`
	SigningKeyFile   string            `json:"signing_key_file" toml:"signing_key_file" yaml:"signing_key_file"`
	FuzzyHash        bool              `json:"fuzzy_hash" toml:"fuzzy_hash" yaml:"fuzzy_hash"`
	FuzzyAlgorithm   string            `json:"fuzzy_algorithm" toml:"fuzzy_algorithm" yaml:"fuzzy_algorithm"`
	ConcurrencyLevel int               `json:"concurrency_level" toml:"concurrency_level" yaml:"concurrency_level"`
	MaxIOPerSecond   int               `json:"max_io_per_second" toml:"max_io_per_second" yaml:"max_io_per_second"`
	IncludePatterns  []string          `json:"include_patterns" toml:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns  []string          `json:"exclude_patterns" toml:"exclude_patterns" yaml:"exclude_patterns"`
	MaxFileSize      int64             `json:"max_file_size" toml:"max_file_size" yaml:"max_file_size"`
	Scope            []string          `json:"scope" toml:"scope" yaml:"scope"`
	OutputFormat     string            `json:"output_format" toml:"output_format" yaml:"output_format"`
	OutputFileName   string            `json:"output_file_name" toml:"output_file_name" yaml:"output_file_name"`
	Progress         bool              `json:"progress" toml:"progress" yaml:"progress"`
	LogLevel         string            `json:"log_level" toml:"log_level" yaml:"log_level"`
	ConfigFile       string            `json:"config_file" toml:"config_file" yaml:"config_file"`
	OtelEndpoint     string            `json:"otel_endpoint" toml:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv      bool              `json:"otel_from_env" toml:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders      map[string]string `json:"otel_headers" toml:"otel_headers" yaml:"otel_headers"`
	OtelServiceName  string            `json:"otel_service_name" toml:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout      time.Duration     `json:"otel_timeout" toml:"otel_timeout" yaml:"otel_timeout"`
	OtelExportPaths  bool              `json:"otel_export_paths" toml:"otel_export_paths" yaml:"otel_export_paths"`
	TraceFile        string            `json:"trace_file" toml:"trace_file" yaml:"trace_file"`
	TraceFlight      bool              `json:"trace_flight" toml:"trace_flight" yaml:"trace_flight"`
	StallThreshold   time.Duration     `json:"stall_threshold" toml:"stall_threshold" yaml:"stall_threshold"`
	DiagDir          string            `json:"diag_dir" toml:"diag_dir" yaml:"diag_dir"`
	// SigningKey is read from SigningKeyFile; it never comes from a config file.
	SigningKey       []byte            `json:"-" toml:"-" yaml:"-"`
}

// Defaults returns the configuration used when neither flags nor a config
// file say otherwise.
func Defaults() *Config {
	return &Config{
		StorePath:        "baseline.json",
		StoreBackend:     baseline.BackendJSON,
		StoreLayout:      string(baseline.LayoutTenants),
		LockTimeout:      10 * time.Second,
		Tenant:           baseline.DefaultTenant,
		IdentityPolicy:   string(baseline.PolicyPath),
		HashAlgorithms:   append([]string(nil), hasher.DefaultAlgorithms...),
		FuzzyAlgorithm:   "tlsh",
		ConcurrencyLevel: runtime.NumCPU(),
		MaxIOPerSecond:   0,
		IncludePatterns:  []string{},
		ExcludePatterns:  []string{},
		MaxFileSize:      0,
		Scope:            []string{},
		OutputFormat:     "text",
		LogLevel:         "info",
		OtelHeaders:      map[string]string{},
		OtelServiceName:  "fimcheck",
		OtelTimeout:      5 * time.Second,
		DiagDir:          ".",
	}
}

func LoadConfig() (*Config, error) {
	cfg := Defaults()

	generate := flag.String("generate", "", "Generate a baseline record for a single file.")
	generateFolder := flag.String("generate-folder", "", "Generate baseline records for every file under a folder.")
	verify := flag.String("verify", "", "Verify a single file against its baseline record.")
	verifyAll := flag.Bool("verify-all", false, "Verify every file recorded for the tenant.")
	list := flag.Bool("list", false, "List the tenant's baseline records, newest first.")
	tenants := flag.Bool("tenants", false, "List tenants that own baseline records.")
	storePath := flag.String("baseline", cfg.StorePath, fmt.Sprintf("Baseline store path (default: %s).", cfg.StorePath))
	storeBackend := flag.String("store-backend", cfg.StoreBackend, fmt.Sprintf("Store backend: json or sqlite (default: %s).", cfg.StoreBackend))
	storeLayout := flag.String("store-layout", cfg.StoreLayout, fmt.Sprintf("Store layout: tenants or flat (default: %s).", cfg.StoreLayout))
	lockTimeout := flag.Duration("lock-timeout", cfg.LockTimeout, fmt.Sprintf("How long to wait for the store lock (default: %s).", cfg.LockTimeout))
	tenant := flag.String("tenant", cfg.Tenant, fmt.Sprintf("Tenant whose baseline is used (default: %s).", cfg.Tenant))
	identity := flag.String("identity", cfg.IdentityPolicy, fmt.Sprintf("Identity policy: path or basename (default: %s).", cfg.IdentityPolicy))
	hashes := flag.String("hashes", strings.Join(cfg.HashAlgorithms, ","), fmt.Sprintf("Comma-separated list of hash algorithms (default: %s).", strings.Join(cfg.HashAlgorithms, ",")))
	signingKeyFile := flag.String("signing-key-file", "", "File holding the key used to sign the JSON store (hex or raw bytes).")
	fuzzyHash := flag.Bool("fuzzy-hash", cfg.FuzzyHash, fmt.Sprintf("Record a similarity digest for each file (default: %t).", cfg.FuzzyHash))
	fuzzyAlgorithm := flag.String("fuzzy-algorithm", cfg.FuzzyAlgorithm, fmt.Sprintf("Similarity digest algorithm (default: %s).", cfg.FuzzyAlgorithm))
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, fmt.Sprintf("Concurrency level for bulk operations (default: %d).", cfg.ConcurrencyLevel))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum files opened per second in bulk operations (default: 0, unlimited).")
	includes := flag.String("include", "", "Comma-separated list of include patterns; globs match the base name, or the path under the folder root when they contain a slash; prefix re: for a regex (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, "Maximum file size recorded by --generate-folder in bytes (default: 0, unlimited).")
	scope := flag.String("scope", "", "Comma-separated list of roots that --verify-all is limited to (default: none).")
	format := flag.String("format", cfg.OutputFormat, fmt.Sprintf("Output format: text, json, or csv (default: %s).", cfg.OutputFormat))
	output := flag.String("output", cfg.OutputFileName, "Output file name (default: stdout).")
	progress := flag.Bool("progress", cfg.Progress, fmt.Sprintf("Show a progress bar for bulk operations on a terminal (default: %t).", cfg.Progress))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to a JSON, TOML, or YAML configuration file (default: none).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for exporting results (default: disabled).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Read the OTLP endpoint from OTEL_EXPORTER_OTLP_* variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated key=value headers for OTEL export.")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, fmt.Sprintf("OTEL service name for export (default: %s).", cfg.OtelServiceName))
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include file paths in OTEL payloads (default: false).")
	traceFile := flag.String("trace-file", "", "Write a runtime execution trace to this file (default: none).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, "Keep an in-memory flight recorder and dump it with stall diagnostics (default: false).")
	stallThreshold := flag.Duration("stall-threshold", cfg.StallThreshold, "Dump diagnostics when a bulk run makes no progress for this long (default: 0, disabled).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, fmt.Sprintf("Directory for stall diagnostics (default: %s).", cfg.DiagDir))
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("fimcheck version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	var actions []string
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "generate":
			actions = append(actions, ActionGenerate)
			cfg.Target = *generate
		case "generate-folder":
			actions = append(actions, ActionGenerateFolder)
			cfg.Target = *generateFolder
		case "verify":
			actions = append(actions, ActionVerify)
			cfg.Target = *verify
		case "verify-all":
			if *verifyAll {
				actions = append(actions, ActionVerifyAll)
			}
		case "list":
			if *list {
				actions = append(actions, ActionList)
			}
		case "tenants":
			if *tenants {
				actions = append(actions, ActionTenants)
			}
		case "baseline":
			cfg.StorePath = strings.TrimSpace(*storePath)
		case "store-backend":
			cfg.StoreBackend = *storeBackend
		case "store-layout":
			cfg.StoreLayout = *storeLayout
		case "lock-timeout":
			cfg.LockTimeout = *lockTimeout
		case "tenant":
			cfg.Tenant = *tenant
		case "identity":
			cfg.IdentityPolicy = *identity
		case "hashes":
			cfg.HashAlgorithms = parseCommaSeparated(*hashes)
		case "signing-key-file":
			cfg.SigningKeyFile = strings.TrimSpace(*signingKeyFile)
		case "fuzzy-hash":
			cfg.FuzzyHash = *fuzzyHash
		case "fuzzy-algorithm":
			cfg.FuzzyAlgorithm = *fuzzyAlgorithm
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "scope":
			cfg.Scope = parseCommaSeparated(*scope)
		case "format":
			cfg.OutputFormat = *format
		case "output":
			cfg.OutputFileName = strings.TrimSpace(*output)
		case "progress":
			cfg.Progress = *progress
		case "log-level":
			cfg.LogLevel = *logLevel
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "trace-file":
			cfg.TraceFile = strings.TrimSpace(*traceFile)
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "stall-threshold":
			cfg.StallThreshold = *stallThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		}
	})
	if len(actions) > 1 {
		return nil, fmt.Errorf("only one of --generate, --generate-folder, --verify, --verify-all, --list, or --tenants may be given")
	}
	if len(actions) == 1 {
		cfg.Action = actions[0]
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.loadSigningKey(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("fimcheck - File Integrity Baseline Checker")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fimcheck [options] --generate FILE | --generate-folder DIR | --verify FILE | --verify-all | --list | --tenants")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  fimcheck --generate-folder /etc --exclude \"*.swp\"")
	fmt.Println("  fimcheck --verify-all --format json --output report.json")
	fmt.Println("  fimcheck --tenant alice --identity basename --verify report.pdf")
	fmt.Println("  fimcheck --verify-all --stall-threshold 2m --trace-flight --diag-dir /var/tmp/fimcheck")
}

// loadFromFile decodes path by extension: .toml and .yaml/.yml are
// supported, anything else is read as JSON.
func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.StoreLayout = strings.ToLower(strings.TrimSpace(cfg.StoreLayout))
	cfg.IdentityPolicy = strings.ToLower(strings.TrimSpace(cfg.IdentityPolicy))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.FuzzyAlgorithm = strings.ToLower(strings.TrimSpace(cfg.FuzzyAlgorithm))
	cfg.Tenant = strings.TrimSpace(cfg.Tenant)
	cfg.HashAlgorithms = normalizeAlgorithms(cfg.HashAlgorithms)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = baseline.BackendJSON
	}
	if cfg.StoreLayout == "" {
		cfg.StoreLayout = string(baseline.LayoutTenants)
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	if cfg.Tenant == "" {
		cfg.Tenant = baseline.DefaultTenant
	}
	if len(cfg.HashAlgorithms) == 0 {
		cfg.HashAlgorithms = append([]string(nil), hasher.DefaultAlgorithms...)
	}
	if cfg.FuzzyHash && cfg.FuzzyAlgorithm == "" {
		cfg.FuzzyAlgorithm = "tlsh"
	}
}

func (cfg *Config) validate() error {
	switch cfg.Action {
	case "":
		return fmt.Errorf("one of --generate, --generate-folder, --verify, --verify-all, --list, or --tenants is required")
	case ActionGenerate, ActionGenerateFolder, ActionVerify:
		if strings.TrimSpace(cfg.Target) == "" {
			return fmt.Errorf("--%s requires a path", cfg.Action)
		}
	case ActionVerifyAll, ActionList, ActionTenants:
	default:
		return fmt.Errorf("unknown action: %s", cfg.Action)
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		return fmt.Errorf("baseline store path must not be empty")
	}
	if cfg.StoreBackend != baseline.BackendJSON && cfg.StoreBackend != baseline.BackendSQLite {
		return fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
	}
	layout := baseline.Layout(cfg.StoreLayout)
	if layout != baseline.LayoutTenants && layout != baseline.LayoutFlat {
		return fmt.Errorf("invalid store layout: %s", cfg.StoreLayout)
	}
	if layout == baseline.LayoutFlat && cfg.Tenant != baseline.DefaultTenant {
		return fmt.Errorf("--tenant %q is not allowed with the flat store layout", cfg.Tenant)
	}
	if cfg.StoreBackend == baseline.BackendSQLite && cfg.SigningKeyFile != "" {
		return fmt.Errorf("--signing-key-file is only supported by the json store backend")
	}
	if _, err := baseline.ParseIdentityPolicy(cfg.IdentityPolicy); err != nil {
		return err
	}
	if err := hasher.Validate(cfg.HashAlgorithms); err != nil {
		return err
	}
	if cfg.FuzzyHash {
		if _, err := fuzzy.Lookup(cfg.FuzzyAlgorithm); err != nil {
			return fmt.Errorf("invalid fuzzy algorithm %q (available: %s)", cfg.FuzzyAlgorithm, strings.Join(fuzzy.Available(), ", "))
		}
	}
	if cfg.ConcurrencyLevel < 1 {
		return fmt.Errorf("concurrency level must be at least 1")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max I/O per second cannot be negative")
	}
	if cfg.MaxFileSize < 0 {
		return fmt.Errorf("max file size cannot be negative")
	}
	if _, err := utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns); err != nil {
		return err
	}
	if cfg.LockTimeout < 0 {
		return fmt.Errorf("lock timeout cannot be negative")
	}
	switch cfg.OutputFormat {
	case "text", "json", "csv":
	default:
		return fmt.Errorf("invalid output format: %s", cfg.OutputFormat)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel timeout cannot be negative")
	}
	if cfg.StallThreshold < 0 {
		return fmt.Errorf("stall threshold cannot be negative")
	}
	if cfg.TraceFlight && cfg.StallThreshold == 0 {
		return fmt.Errorf("--trace-flight requires --stall-threshold")
	}
	return nil
}

// loadSigningKey reads SigningKeyFile. Content that is entirely hex is
// decoded; anything else is used as raw bytes.
func (cfg *Config) loadSigningKey() error {
	if cfg.SigningKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("could not read signing key file: %v", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return fmt.Errorf("signing key file %s is empty", cfg.SigningKeyFile)
	}
	if decoded, err := hex.DecodeString(trimmed); err == nil {
		cfg.SigningKey = decoded
		return nil
	}
	cfg.SigningKey = []byte(trimmed)
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func normalizeAlgorithms(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}
