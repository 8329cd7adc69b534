package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fimcheck/baseline"
	"fimcheck/config"
	"fimcheck/engine"
	"fimcheck/logger"
)

// SchemaVersion tags every json document and csv row.
const SchemaVersion = "1"

const (
	recordTypeRecord  = "record"
	recordTypeResult  = "result"
	recordTypeSummary = "summary"
	recordTypeSkipped = "skipped"
	recordTypeTenant  = "tenant"
)

var csvHeader = []string{
	"record_type",
	"schema_version",
	"tenant",
	"identity",
	"path",
	"status",
	"size",
	"mime_type",
	"created_at",
	"checked_at",
	"digests",
	"checks",
	"similarity",
	"similarity_distance",
	"error",
	"summary",
}

// Writer renders engine output as text, json or csv and mirrors it to OTEL
// when an endpoint is configured.
type Writer struct {
	file      *os.File
	buf       *bufio.Writer
	csvw      *csv.Writer
	mu        sync.Mutex
	format    string
	otel      *otelLogger
	csvHeader bool
}

func New(cfg *config.Config) (*Writer, error) {
	var (
		out  io.Writer = os.Stdout
		file *os.File
	)
	if cfg != nil && cfg.OutputFileName != "" {
		f, err := os.OpenFile(cfg.OutputFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return nil, err
		}
		out = f
		file = f
	}
	format := ""
	if cfg != nil {
		format = cfg.OutputFormat
	}
	w := newWriter(out, format)
	w.file = file
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	return w, nil
}

func newWriter(out io.Writer, format string) *Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "text"
	}
	w := &Writer{
		buf:    bufio.NewWriter(out),
		format: format,
	}
	if format == "csv" {
		w.csvw = csv.NewWriter(w.buf)
	}
	return w
}

// WriteRecord renders a freshly generated record.
func (w *Writer) WriteRecord(tenant string, rec baseline.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitRecord(tenant, rec)

	switch w.format {
	case "json":
		return w.writeJSON(map[string]any{
			"record_type": recordTypeRecord,
			"tenant":      tenant,
			"record":      rec,
		})
	case "csv":
		return w.writeCSV(recordRow(tenant, rec))
	default:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Baseline recorded for %s\n", displayPath(rec.Path, rec.Identity))
		fmt.Fprintf(&sb, "Tenant:   %s\n", tenant)
		fmt.Fprintf(&sb, "Identity: %s\n", rec.Identity)
		fmt.Fprintf(&sb, "Size:     %d\n", rec.Size)
		if rec.MimeType != "" {
			fmt.Fprintf(&sb, "MIME:     %s\n", rec.MimeType)
		}
		rows := make([][]string, 0, len(rec.Digests))
		for _, name := range rec.Digests.Names() {
			rows = append(rows, []string{name, rec.Digests[name]})
		}
		if rec.Similarity != "" {
			rows = append(rows, []string{"similarity", rec.Similarity})
		}
		sb.WriteString(renderTable([]string{"ALGORITHM", "DIGEST"}, rows, nil))
		sb.WriteString("\n")
		return w.writeText(sb.String())
	}
}

// WriteRecords renders a tenant's records in the given order.
func (w *Writer) WriteRecords(tenant string, records []baseline.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case "json":
		if records == nil {
			records = []baseline.Record{}
		}
		return w.writeJSON(map[string]any{
			"record_type": "records",
			"tenant":      tenant,
			"records":     records,
		})
	case "csv":
		for _, rec := range records {
			if err := w.writeCSV(recordRow(tenant, rec)); err != nil {
				return err
			}
		}
		return w.flushCSV()
	default:
		if len(records) == 0 {
			return w.writeText(fmt.Sprintf("No baseline records for tenant %s\n", tenant))
		}
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				displayPath(rec.Path, rec.Identity),
				strconv.FormatInt(rec.Size, 10),
				formatTime(rec.CreatedAt),
				strings.Join(rec.Algorithms(), ","),
				rec.MimeType,
			})
		}
		table := renderTable(
			[]string{"PATH", "SIZE", "CREATED", "ALGORITHMS", "MIME"},
			rows,
			[]columnAlignment{alignLeft, alignRight},
		)
		return w.writeText(fmt.Sprintf("%d baseline records for tenant %s\n%s\n", len(records), tenant, table))
	}
}

// WriteTenants renders the tenants that own records.
func (w *Writer) WriteTenants(tenants []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case "json":
		if tenants == nil {
			tenants = []string{}
		}
		return w.writeJSON(map[string]any{
			"record_type": "tenants",
			"tenants":     tenants,
		})
	case "csv":
		for _, tenant := range tenants {
			row := newRow(recordTypeTenant)
			row[2] = tenant
			if err := w.writeCSV(row); err != nil {
				return err
			}
		}
		return w.flushCSV()
	default:
		if len(tenants) == 0 {
			return w.writeText("No tenants\n")
		}
		return w.writeText(strings.Join(tenants, "\n") + "\n")
	}
}

// WriteResult renders a single verification result.
func (w *Writer) WriteResult(result engine.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitResult(result)

	switch w.format {
	case "json":
		return w.writeJSON(map[string]any{
			"record_type": recordTypeResult,
			"result":      result,
		})
	case "csv":
		return w.writeCSV(resultRow(result))
	default:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Status: %s\n", result.Status)
		fmt.Fprintf(&sb, "Path:   %s\n", displayPath(result.Path, result.Identity))
		fmt.Fprintf(&sb, "Tenant: %s\n", result.Tenant)
		if result.Error != "" {
			fmt.Fprintf(&sb, "Error:  %s\n", result.Error)
		}
		if result.SimilarityDistance != nil {
			fmt.Fprintf(&sb, "Similarity distance: %d\n", *result.SimilarityDistance)
		}
		if len(result.Checks) > 0 {
			rows := make([][]string, 0, len(result.Checks))
			for _, check := range result.Checks {
				rows = append(rows, []string{check.Algorithm, check.Expected, check.Actual, matchLabel(result.Status, check)})
			}
			sb.WriteString(renderTable([]string{"ALGORITHM", "EXPECTED", "ACTUAL", "MATCH"}, rows, nil))
			sb.WriteString("\n")
		}
		return w.writeText(sb.String())
	}
}

// WriteReport renders a verify-all report.
func (w *Writer) WriteReport(report *engine.Report) error {
	if report == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, result := range report.Results {
		w.emitResult(result)
	}
	w.emitSummary(report.Summary)

	switch w.format {
	case "json":
		results := report.Results
		if results == nil {
			results = []engine.Result{}
		}
		return w.writeJSON(map[string]any{
			"record_type": "report",
			"summary":     report.Summary,
			"results":     results,
		})
	case "csv":
		for _, result := range report.Results {
			if err := w.writeCSV(resultRow(result)); err != nil {
				return err
			}
		}
		return w.writeCSV(summaryRow(report.Summary))
	default:
		var sb strings.Builder
		if len(report.Results) > 0 {
			rows := make([][]string, 0, len(report.Results))
			for _, result := range report.Results {
				rows = append(rows, []string{displayPath(result.Path, result.Identity), string(result.Status), resultDetail(result)})
			}
			sb.WriteString(renderTable([]string{"PATH", "STATUS", "DETAIL"}, rows, nil))
			sb.WriteString("\n")
		}
		sb.WriteString(renderCounts(report.Summary))
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "Run %s: %d files verified for tenant %s, %d findings\n",
			report.Summary.RunID, report.Summary.Total, report.Summary.Tenant, report.Summary.Findings())
		return w.writeText(sb.String())
	}
}

// WriteFolderReport renders the outcome of a folder generate.
func (w *Writer) WriteFolderReport(report *engine.FolderReport) error {
	if report == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range report.Records {
		w.emitRecord(report.Summary.Tenant, rec)
	}
	w.emitSummary(report.Summary)

	switch w.format {
	case "json":
		records := report.Records
		if records == nil {
			records = []baseline.Record{}
		}
		skipped := report.Skipped
		if skipped == nil {
			skipped = []engine.SkippedFile{}
		}
		return w.writeJSON(map[string]any{
			"record_type": "folder_report",
			"summary":     report.Summary,
			"records":     records,
			"skipped":     skipped,
		})
	case "csv":
		for _, rec := range report.Records {
			if err := w.writeCSV(recordRow(report.Summary.Tenant, rec)); err != nil {
				return err
			}
		}
		for _, skip := range report.Skipped {
			row := newRow(recordTypeSkipped)
			row[2] = report.Summary.Tenant
			row[4] = skip.Path
			row[14] = skip.Reason
			if err := w.writeCSV(row); err != nil {
				return err
			}
		}
		return w.writeCSV(summaryRow(report.Summary))
	default:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Generated %d baseline records for tenant %s, skipped %d\n",
			report.Summary.Generated, report.Summary.Tenant, report.Summary.Skipped)
		if len(report.Skipped) > 0 {
			rows := make([][]string, 0, len(report.Skipped))
			for _, skip := range report.Skipped {
				rows = append(rows, []string{skip.Path, skip.Reason})
			}
			sb.WriteString(renderTable([]string{"SKIPPED", "REASON"}, rows, nil))
			sb.WriteString("\n")
		}
		return w.writeText(sb.String())
	}
}

// Close flushes buffered output, closes the output file and shuts OTEL
// export down.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.flush()
	if w.file != nil {
		_ = w.file.Sync()
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
		w.file = nil
	}
	if w.otel != nil {
		w.otel.Shutdown()
		w.otel = nil
	}
	return err
}

func (w *Writer) writeJSON(doc map[string]any) error {
	doc["schema_version"] = SchemaVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) writeText(s string) error {
	if _, err := w.buf.WriteString(s); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) writeCSV(row []string) error {
	if !w.csvHeader {
		if err := w.csvw.Write(csvHeader); err != nil {
			return err
		}
		w.csvHeader = true
	}
	if err := w.csvw.Write(row); err != nil {
		return err
	}
	return w.flushCSV()
}

func (w *Writer) flushCSV() error {
	if w.csvw == nil {
		return nil
	}
	w.csvw.Flush()
	if err := w.csvw.Error(); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) flush() error {
	if err := w.flushCSV(); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) emitRecord(tenant string, rec baseline.Record) {
	if w.otel == nil {
		return
	}
	payload := payloadToMap(rec)
	if payload == nil {
		return
	}
	payload["tenant"] = tenant
	w.otel.Emit(recordTypeRecord, payload)
}

func (w *Writer) emitResult(result engine.Result) {
	if w.otel == nil {
		return
	}
	w.otel.Emit(recordTypeResult, result)
}

func (w *Writer) emitSummary(summary engine.Summary) {
	if w.otel == nil {
		return
	}
	payload := payloadToMap(summary)
	if payload == nil {
		return
	}
	payload["findings"] = summary.Findings()
	w.otel.Emit(recordTypeSummary, payload)
}

func newRow(recordType string) []string {
	row := make([]string, len(csvHeader))
	row[0] = recordType
	row[1] = SchemaVersion
	return row
}

func recordRow(tenant string, rec baseline.Record) []string {
	row := newRow(recordTypeRecord)
	row[2] = tenant
	row[3] = rec.Identity
	row[4] = rec.Path
	row[6] = strconv.FormatInt(rec.Size, 10)
	row[7] = rec.MimeType
	row[8] = formatTime(rec.CreatedAt)
	row[10] = jsonString(rec.Digests)
	row[12] = rec.Similarity
	return row
}

func resultRow(result engine.Result) []string {
	row := newRow(recordTypeResult)
	row[2] = result.Tenant
	row[3] = result.Identity
	row[4] = result.Path
	row[5] = string(result.Status)
	row[9] = formatTime(result.CheckedAt)
	if len(result.Checks) > 0 {
		row[11] = jsonString(result.Checks)
	}
	if result.SimilarityDistance != nil {
		row[13] = strconv.Itoa(*result.SimilarityDistance)
	}
	row[14] = result.Error
	return row
}

func summaryRow(summary engine.Summary) []string {
	row := newRow(recordTypeSummary)
	row[2] = summary.Tenant
	row[15] = jsonString(summary)
	return row
}

func renderCounts(summary engine.Summary) string {
	rows := make([][]string, 0, len(engine.Statuses))
	for _, status := range engine.Statuses {
		rows = append(rows, []string{string(status), strconv.Itoa(summary.Counts[status])})
	}
	return renderTable([]string{"STATUS", "COUNT"}, rows, []columnAlignment{alignLeft, alignRight})
}

func resultDetail(result engine.Result) string {
	if result.Error != "" {
		return result.Error
	}
	var mismatched []string
	for _, check := range result.Checks {
		if !check.Match && check.Expected != "" {
			mismatched = append(mismatched, check.Algorithm)
		}
	}
	if len(mismatched) == 0 {
		return ""
	}
	sort.Strings(mismatched)
	detail := "mismatch: " + strings.Join(mismatched, ",")
	if result.SimilarityDistance != nil {
		detail += fmt.Sprintf(" (similarity distance %d)", *result.SimilarityDistance)
	}
	return detail
}

func matchLabel(status engine.Status, check engine.Check) string {
	switch {
	case check.Expected == "" || check.Actual == "":
		return "-"
	case check.Match:
		return "yes"
	case status == engine.StatusError:
		return "-"
	default:
		return "no"
	}
}

func displayPath(path, identity string) string {
	if path != "" {
		return path
	}
	return identity
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func jsonString(value any) string {
	if value == nil {
		return ""
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(bytes)
}
