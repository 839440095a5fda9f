// Package report records what a scan did with each blob and writes the
// outcome to a file. The format follows the file extension: JSON, YAML,
// Markdown or plain text.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elioetibr/yaml"
	"github.com/google/uuid"

	"artifact-scanner/v1/pkg/findings"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/workers"
)

// Blob statuses
const (
	StatusScanned      = "scanned"
	StatusDecodeFailed = "decode_failed"
	StatusReadFailed   = "read_failed"
)

// BlobRecord is the per-blob line of a report
type BlobRecord struct {
	Key       string `json:"key" yaml:"key"`
	Status    string `json:"status" yaml:"status"`
	Units     int    `json:"units" yaml:"units"`
	Truncated int    `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Findings  int    `json:"findings" yaml:"findings"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary aggregates blob records
type Summary struct {
	Blobs        int            `json:"blobs" yaml:"blobs"`
	Scanned      int            `json:"scanned" yaml:"scanned"`
	DecodeFailed int            `json:"decode_failed" yaml:"decode_failed"`
	ReadFailed   int            `json:"read_failed" yaml:"read_failed"`
	Units        int            `json:"units" yaml:"units"`
	Truncated    int            `json:"truncated" yaml:"truncated"`
	Findings     int            `json:"findings" yaml:"findings"`
	ByRule       map[string]int `json:"by_rule,omitempty" yaml:"by_rule,omitempty"`
	Duration     string         `json:"duration" yaml:"duration"`
}

// Report is the document written by Save
type Report struct {
	RunID     string                   `json:"run_id" yaml:"run_id"`
	Mode      string                   `json:"mode" yaml:"mode"`
	Target    string                   `json:"target" yaml:"target"`
	StartTime string                   `json:"start_time" yaml:"start_time"`
	EndTime   string                   `json:"end_time" yaml:"end_time"`
	Summary   Summary                  `json:"summary" yaml:"summary"`
	Findings  []findings.Finding       `json:"findings" yaml:"findings"`
	Blobs     []BlobRecord             `json:"blobs" yaml:"blobs"`
	Errors    []string                 `json:"errors,omitempty" yaml:"errors,omitempty"`
	Metrics   *workers.MetricsSnapshot `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Recorder collects blob records during a run. It is safe for concurrent use.
type Recorder struct {
	mode      string
	target    string
	runID     string
	startTime time.Time
	blobs     []BlobRecord
	errors    []string
	mu        sync.Mutex
	log       *logger.NamedLogger
}

// NewRecorder starts a report for one scan run
func NewRecorder(mode, target string) *Recorder {
	return &Recorder{
		mode:      mode,
		target:    target,
		runID:     uuid.NewString(),
		startTime: time.Now(),
		log:       logger.WithName("report"),
	}
}

func (r *Recorder) RunID() string {
	return r.runID
}

// RecordBlob appends a blob record. Records keep arrival order until
// Generate sorts them.
func (r *Recorder) RecordBlob(rec BlobRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blobs = append(r.blobs, rec)
	r.log.V(3).InfoS("Blob recorded", "key", rec.Key, "status", rec.Status, "findings", rec.Findings)
}

// RecordError keeps a run-level error message
func (r *Recorder) RecordError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err.Error())
}

// Generate builds the report from the recorded blobs and the final findings
func (r *Recorder) Generate(items []findings.Finding, metrics *workers.MetricsSnapshot) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	endTime := time.Now()
	blobs := append([]BlobRecord(nil), r.blobs...)
	sort.SliceStable(blobs, func(i, j int) bool { return blobs[i].Key < blobs[j].Key })

	summary := Summary{
		Blobs:    len(blobs),
		Findings: len(items),
		Duration: endTime.Sub(r.startTime).Round(time.Millisecond).String(),
	}
	if len(items) > 0 {
		summary.ByRule = findings.CountByRule(items)
	}
	for _, b := range blobs {
		switch b.Status {
		case StatusScanned:
			summary.Scanned++
		case StatusDecodeFailed:
			summary.DecodeFailed++
		case StatusReadFailed:
			summary.ReadFailed++
		}
		summary.Units += b.Units
		summary.Truncated += b.Truncated
	}

	if items == nil {
		items = []findings.Finding{}
	}

	return &Report{
		RunID:     r.runID,
		Mode:      r.mode,
		Target:    r.target,
		StartTime: r.startTime.Format(time.RFC3339),
		EndTime:   endTime.Format(time.RFC3339),
		Summary:   summary,
		Findings:  items,
		Blobs:     blobs,
		Errors:    append([]string(nil), r.errors...),
		Metrics:   metrics,
	}
}

// Save writes report to path, creating parent directories as needed
func Save(report *Report, path string) error {
	log := logger.WithName("report")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal report to YAML: %w", err)
		}
	case ".md", ".markdown":
		data = []byte(FormatMarkdown(report))
	default:
		data = []byte(FormatText(report))
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	log.InfoS("Saved report", "path", path, "format", ext)
	return nil
}

// FormatText renders the report as plain text
func FormatText(report *Report) string {
	var b strings.Builder
	rule := strings.Repeat("=", 80)

	fmt.Fprintf(&b, "%s\nSCAN REPORT - %s\n%s\n\n", rule, report.Target, rule)
	fmt.Fprintf(&b, "Run ID: %s\nMode: %s\nStart Time: %s\nEnd Time: %s\nDuration: %s\n\n",
		report.RunID, report.Mode, report.StartTime, report.EndTime, report.Summary.Duration)

	s := report.Summary
	b.WriteString("SUMMARY\n-------\n")
	fmt.Fprintf(&b, "Blobs: %d (Scanned: %d, Decode failed: %d, Read failed: %d)\n",
		s.Blobs, s.Scanned, s.DecodeFailed, s.ReadFailed)
	fmt.Fprintf(&b, "Units: %d (Depth limited: %d)\n", s.Units, s.Truncated)
	fmt.Fprintf(&b, "Findings: %d\n", s.Findings)
	for _, rule := range sortedKeys(s.ByRule) {
		fmt.Fprintf(&b, "  %s: %d\n", rule, s.ByRule[rule])
	}
	b.WriteString("\n")

	if len(report.Findings) > 0 {
		b.WriteString("FINDINGS\n--------\n")
		for i, f := range report.Findings {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, f.Rule, f.String())
		}
		b.WriteString("\n")
	}

	if failed := failedBlobs(report.Blobs); len(failed) > 0 {
		b.WriteString("FAILURES\n--------\n")
		for i, blob := range failed {
			fmt.Fprintf(&b, "%d. [%s] %s\n   Error: %s\n", i+1, blob.Status, blob.Key, blob.Error)
		}
		b.WriteString("\n")
	}

	b.WriteString(rule + "\n")
	return b.String()
}

// FormatMarkdown renders the report as Markdown
func FormatMarkdown(report *Report) string {
	var b strings.Builder
	s := report.Summary

	fmt.Fprintf(&b, "# Scan Report - %s\n\n## Summary\n\n", report.Target)
	fmt.Fprintf(&b, "- **Run ID**: %s\n- **Mode**: %s\n- **Start Time**: %s\n- **End Time**: %s\n- **Duration**: %s\n\n",
		report.RunID, report.Mode, report.StartTime, report.EndTime, s.Duration)

	b.WriteString("### Statistics\n\n| Metric | Count |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Blobs | %d |\n| Scanned | %d |\n| Decode failed | %d |\n| Read failed | %d |\n| Units | %d |\n| Depth limited | %d |\n| Findings | %d |\n\n",
		s.Blobs, s.Scanned, s.DecodeFailed, s.ReadFailed, s.Units, s.Truncated, s.Findings)

	if len(report.Findings) > 0 {
		b.WriteString("## Findings\n\n| Path | Line | Rule | Text |\n|------|------|------|------|\n")
		for _, f := range report.Findings {
			fmt.Fprintf(&b, "| `%s` | %d | %s | `%s` |\n", f.Path, f.Line, f.Rule, strings.ReplaceAll(f.Text, "|", "\\|"))
		}
		b.WriteString("\n")
	}

	if failed := failedBlobs(report.Blobs); len(failed) > 0 {
		b.WriteString("## Failures\n\n")
		for i, blob := range failed {
			fmt.Fprintf(&b, "%d. ❌ **%s** `%s`\n   - Error: `%s`\n", i+1, blob.Status, blob.Key, blob.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func failedBlobs(blobs []BlobRecord) []BlobRecord {
	var out []BlobRecord
	for _, b := range blobs {
		if b.Status != StatusScanned {
			out = append(out, b)
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
