package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fimcheck/config"
	"fimcheck/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includePaths bool
}

func newOtelLogger(cfg *config.Config) (*otelLogger, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}

	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.OtelServiceName
	if serviceName == "" {
		serviceName = "fimcheck"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("fimcheck"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		policy:   otelPolicy{includePaths: cfg.OtelExportPaths},
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *otelLogger) Emit(recordType string, payload any) {
	if o == nil || o.logger == nil {
		return
	}
	safePayload := sanitizePayload(recordType, payload, o.policy)

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("fimcheck." + recordType)
	record.SetSeverity(severityFor(recordType, safePayload))
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, safePayload, o.policy); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}
	if value := toLogValue(safePayload); value.Kind() != otelLog.KindEmpty {
		record.SetBody(value)
	}

	o.logger.Emit(context.Background(), record)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// severityFor maps findings to WARN and unreadable files to ERROR.
func severityFor(recordType string, payload map[string]any) otelLog.Severity {
	switch recordType {
	case recordTypeResult:
		status := getStringField(payload, "status")
		if status == "ERROR" {
			return otelLog.SeverityError
		}
		if status != "" && status != "ORIGINAL" {
			return otelLog.SeverityWarn
		}
	case recordTypeSummary:
		if findings, ok := getInt64Field(payload, "findings"); ok && findings > 0 {
			return otelLog.SeverityWarn
		}
	}
	return otelLog.SeverityInfo
}

// sanitizePayload drops path and identity unless path export is enabled.
func sanitizePayload(recordType string, payload any, policy otelPolicy) map[string]any {
	data := payloadToMap(payload)
	if data == nil {
		return nil
	}
	sanitized := cloneMap(data)
	if policy.includePaths {
		return sanitized
	}
	switch recordType {
	case recordTypeRecord, recordTypeResult, recordTypeSkipped:
		delete(sanitized, "path")
		delete(sanitized, "identity")
	}
	return sanitized
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func toLogValue(value any) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case []byte:
		return otelLog.BytesValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		return otelLog.Float64Value(v)
	case map[string]any:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case map[string]string:
		keys := sortedKeys(v)
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range keys {
			kvs = append(kvs, otelLog.String(k, v[k]))
		}
		return otelLog.MapValue(kvs...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []int:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.IntValue(item))
		}
		return otelLog.SliceValue(values...)
	case []any:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

func toLogKeyValues(values map[string]any) []otelLog.KeyValue {
	keys := sortedKeys(values)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func semanticAttributes(recordType string, data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	if len(data) == 0 {
		return nil
	}
	switch recordType {
	case recordTypeRecord:
		return recordSemanticAttributes(data, policy)
	case recordTypeResult:
		return resultSemanticAttributes(data, policy)
	case recordTypeSummary:
		return summarySemanticAttributes(data)
	default:
		return nil
	}
}

func fileAttributes(data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	path := getStringField(data, "path")
	if path == "" {
		return kvs
	}
	if policy.includePaths {
		kvs = append(kvs, otelLog.String(string(semconv.FilePathKey), path))
		kvs = append(kvs, otelLog.String(string(semconv.FileDirectoryKey), filepath.Dir(path)))
	}
	kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), filepath.Base(path)))
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FileExtensionKey), ext))
	}
	return kvs
}

func recordSemanticAttributes(data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	kvs := fileAttributes(data, policy)
	kvs = appendStringAttr(kvs, "fimcheck.tenant", getStringField(data, "tenant"))
	if size, ok := getInt64Field(data, "size"); ok {
		kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), size))
	}
	kvs = appendStringAttr(kvs, "fimcheck.file.mime_type", getStringField(data, "mime_type"))
	kvs = appendStringAttr(kvs, "fimcheck.file.mod_time", getStringField(data, "mod_time"))
	kvs = appendStringAttr(kvs, "fimcheck.file.change_time", getStringField(data, "change_time"))
	kvs = appendStringAttr(kvs, "fimcheck.record.created_at", getStringField(data, "created_at"))

	if digests := getStringMapField(data, "digests"); len(digests) > 0 {
		for _, algo := range sortedKeys(digests) {
			if value := digests[algo]; value != "" {
				kvs = append(kvs, otelLog.String(fmt.Sprintf("fimcheck.file.hash.%s", algo), value))
			}
		}
	}
	kvs = appendStringAttr(kvs, "fimcheck.file.similarity", getStringField(data, "similarity"))
	return kvs
}

func resultSemanticAttributes(data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	kvs := fileAttributes(data, policy)
	kvs = appendStringAttr(kvs, "fimcheck.tenant", getStringField(data, "tenant"))
	kvs = appendStringAttr(kvs, "fimcheck.status", getStringField(data, "status"))
	kvs = appendStringAttr(kvs, "fimcheck.checked_at", getStringField(data, "checked_at"))
	kvs = appendStringAttr(kvs, "fimcheck.error", getStringField(data, "error"))
	if distance, ok := getInt64Field(data, "similarity_distance"); ok {
		kvs = append(kvs, otelLog.Int64("fimcheck.similarity_distance", distance))
	}

	checks, _ := data["checks"].([]any)
	var mismatched []string
	for _, item := range checks {
		check, ok := item.(map[string]any)
		if !ok {
			continue
		}
		algo := getStringField(check, "algorithm")
		if algo == "" {
			continue
		}
		match, _ := check["match"].(bool)
		kvs = append(kvs, otelLog.Bool(fmt.Sprintf("fimcheck.check.%s.match", algo), match))
		if !match {
			mismatched = append(mismatched, algo)
		}
	}
	if len(mismatched) > 0 {
		kvs = append(kvs, otelLog.KeyValue{Key: "fimcheck.check.mismatched", Value: toLogValue(mismatched)})
	}
	return kvs
}

func summarySemanticAttributes(data map[string]any) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "fimcheck.run_id", getStringField(data, "run_id"))
	kvs = appendStringAttr(kvs, "fimcheck.operation", getStringField(data, "operation"))
	kvs = appendStringAttr(kvs, "fimcheck.tenant", getStringField(data, "tenant"))
	kvs = appendStringAttr(kvs, "fimcheck.started_at", getStringField(data, "started_at"))
	kvs = appendStringAttr(kvs, "fimcheck.finished_at", getStringField(data, "finished_at"))
	for _, key := range []string{"total", "findings", "generated", "skipped"} {
		if value, ok := getInt64Field(data, key); ok {
			kvs = append(kvs, otelLog.Int64("fimcheck."+key, value))
		}
	}
	if counts, ok := data["counts"].(map[string]any); ok {
		for _, status := range sortedKeys(counts) {
			if value, ok := getInt64Field(counts, status); ok {
				kvs = append(kvs, otelLog.Int64("fimcheck.count."+strings.ToLower(status), value))
			}
		}
	}
	return kvs
}

func payloadToMap(payload any) map[string]any {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

func getStringField(values map[string]any, key string) string {
	value, ok := values[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprint(value)
}

func getInt64Field(values map[string]any, key string) (int64, bool) {
	value, ok := values[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getStringMapField(values map[string]any, key string) map[string]string {
	value, ok := values[key]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if val == nil {
				continue
			}
			out[k] = fmt.Sprint(val)
		}
		return out
	default:
		return nil
	}
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}
