package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fimcheck/baseline"
	"fimcheck/config"
	"fimcheck/engine"
	"fimcheck/hasher"
)

func sampleRecord() baseline.Record {
	return baseline.Record{
		Identity:  "/data/report.pdf",
		Path:      "/data/report.pdf",
		Digests:   hasher.Digests{"md5": "900150983cd24fb0d6963f7d28e17f72", "sha256": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Size:      3,
		MimeType:  "application/pdf",
	}
}

func sampleReport() *engine.Report {
	checkedAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return &engine.Report{
		Summary: engine.Summary{
			RunID:     "run-42",
			Operation: engine.OperationVerifyAll,
			Tenant:    "alice",
			Total:     3,
			Counts: map[engine.Status]int{
				engine.StatusOriginal:    1,
				engine.StatusModified:    1,
				engine.StatusMissingFile: 1,
			},
		},
		Results: []engine.Result{
			{Tenant: "alice", Identity: "/a", Path: "/a", Status: engine.StatusOriginal, CheckedAt: checkedAt,
				Checks: []engine.Check{{Algorithm: "sha256", Expected: "aa", Actual: "aa", Match: true}}},
			{Tenant: "alice", Identity: "/b", Path: "/b", Status: engine.StatusModified, CheckedAt: checkedAt,
				Checks: []engine.Check{{Algorithm: "sha256", Expected: "aa", Actual: "bb", Match: false}}},
			{Tenant: "alice", Identity: "/c", Path: "/c", Status: engine.StatusMissingFile, CheckedAt: checkedAt},
		},
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w, err := New(&config.Config{OutputFileName: path, OutputFormat: "json"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := w.WriteRecord("alice", sampleRecord()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc struct {
		SchemaVersion string          `json:"schema_version"`
		RecordType    string          `json:"record_type"`
		Tenant        string          `json:"tenant"`
		Record        baseline.Record `json:"record"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode: %v\n%s", err, data)
	}
	if doc.SchemaVersion != SchemaVersion || doc.RecordType != "record" || doc.Tenant != "alice" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Record.Digests["md5"] != "900150983cd24fb0d6963f7d28e17f72" {
		t.Fatalf("unexpected record: %+v", doc.Record)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 output file, got %v %v", info, err)
	}
}

func TestNewFailsOnUnwritablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.json")
	if _, err := New(&config.Config{OutputFileName: path}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestTextResult(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "text")
	distance := 7
	err := w.WriteResult(engine.Result{
		Tenant: "alice",
		Path:   "/data/report.pdf",
		Status: engine.StatusModified,
		Checks: []engine.Check{
			{Algorithm: "md5", Expected: "aa", Actual: "aa", Match: true},
			{Algorithm: "sha256", Expected: "bb", Actual: "cc", Match: false},
		},
		SimilarityDistance: &distance,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Status: MODIFIED", "/data/report.pdf", "ALGORITHM", "sha256", "no", "yes", "Similarity distance: 7"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTextReport(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "")
	if err := w.WriteReport(sampleReport()); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PATH", "MISSING_FILE", "mismatch: sha256", "NOT_FOUND", "Run run-42: 3 files verified for tenant alice, 2 findings"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTextRecordsAndTenants(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "text")
	if err := w.WriteRecords("alice", []baseline.Record{sampleRecord()}); err != nil {
		t.Fatalf("write records: %v", err)
	}
	if err := w.WriteRecords("bob", nil); err != nil {
		t.Fatalf("write empty records: %v", err)
	}
	if err := w.WriteTenants([]string{"alice", "bob"}); err != nil {
		t.Fatalf("write tenants: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"1 baseline records for tenant alice", "md5,sha256", "2026-03-01T12:00:00Z", "No baseline records for tenant bob", "alice\nbob\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTextFolderReport(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "text")
	report := &engine.FolderReport{
		Summary: engine.Summary{Tenant: "alice", Generated: 1, Skipped: 1},
		Records: []baseline.Record{sampleRecord()},
		Skipped: []engine.SkippedFile{{Path: "/data/big.iso", Reason: "exceeds max file size"}},
	}
	if err := w.WriteFolderReport(report); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Generated 1 baseline records for tenant alice, skipped 1", "/data/big.iso", "exceeds max file size"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestJSONReport(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "JSON")
	if err := w.WriteReport(sampleReport()); err != nil {
		t.Fatalf("write: %v", err)
	}
	var doc struct {
		RecordType string          `json:"record_type"`
		Summary    engine.Summary  `json:"summary"`
		Results    []engine.Result `json:"results"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.RecordType != "report" || doc.Summary.RunID != "run-42" || len(doc.Results) != 3 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Results[1].Status != engine.StatusModified || doc.Summary.Counts[engine.StatusMissingFile] != 1 {
		t.Fatalf("unexpected results: %+v", doc.Results)
	}
}

func TestJSONEmptyListsAreArrays(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "json")
	if err := w.WriteTenants(nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), `"tenants": []`) {
		t.Fatalf("expected empty array, got %s", buf.String())
	}
}

func TestCSVReport(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "csv")
	if err := w.WriteReport(sampleReport()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected header, 3 results and a summary, got %d rows", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[2][0] != "result" || rows[2][4] != "/b" || rows[2][5] != "MODIFIED" {
		t.Fatalf("unexpected result row: %v", rows[2])
	}
	if !strings.Contains(rows[2][11], `"match":false`) {
		t.Fatalf("expected checks json, got %q", rows[2][11])
	}
	if rows[4][0] != "summary" || !strings.Contains(rows[4][15], `"run_id":"run-42"`) {
		t.Fatalf("unexpected summary row: %v", rows[4])
	}
}

func TestCSVHeaderWrittenOnce(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf, "csv")
	if err := w.WriteRecord("alice", sampleRecord()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteTenants([]string{"alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 || rows[1][0] != "record" || rows[2][0] != "tenant" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if rows[1][10] == "" || rows[1][8] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected record row: %v", rows[1])
	}
}

func TestResultDetail(t *testing.T) {
	distance := 3
	detail := resultDetail(engine.Result{
		Checks: []engine.Check{
			{Algorithm: "sha256", Expected: "a", Actual: "b"},
			{Algorithm: "md5", Expected: "a", Actual: "b"},
		},
		SimilarityDistance: &distance,
	})
	if detail != "mismatch: md5,sha256 (similarity distance 3)" {
		t.Fatalf("unexpected detail: %q", detail)
	}
	if got := resultDetail(engine.Result{Error: "permission denied"}); got != "permission denied" {
		t.Fatalf("unexpected detail: %q", got)
	}
	notFound := engine.Result{Checks: []engine.Check{{Algorithm: "sha256", Actual: "b"}}}
	if got := resultDetail(notFound); got != "" {
		t.Fatalf("NOT_FOUND results have nothing to compare, got %q", got)
	}
}
