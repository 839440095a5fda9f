// Package scan drives a scan run: it enumerates blobs from a source, fetches
// and unpacks each one, and gathers the findings in enumeration order.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"artifact-scanner/v1/pkg/archive"
	"artifact-scanner/v1/pkg/findings"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/report"
	"artifact-scanner/v1/pkg/sources"
	"artifact-scanner/v1/pkg/workers"
)

// BlobWalker unpacks and scans one blob
type BlobWalker interface {
	Walk(ctx context.Context, path string, data []byte) (*archive.WalkResult, error)
}

// Outcome counts blobs by terminal state
type Outcome struct {
	Enumerated   int
	Scanned      int
	DecodeFailed int
	ReadFailed   int
	Units        int
	Truncated    int
}

// Result is the outcome of a run
type Result struct {
	Findings []findings.Finding
	Outcome  Outcome
	// Errors holds the per-blob read and decode errors that were skipped.
	Errors  *multierror.Error
	Metrics workers.MetricsSnapshot
}

// ExitCode is 1 when anything was found, 0 otherwise. Skipped blobs do not
// affect it.
func (r *Result) ExitCode() int {
	if len(r.Findings) > 0 {
		return 1
	}
	return 0
}

// Orchestrator runs the per-blob pipeline over a Source
type Orchestrator struct {
	source   sources.Source
	walker   BlobWalker
	workers  int
	retry    workers.RetryPolicy
	recorder *report.Recorder
	log      *logger.NamedLogger
}

type Option func(*Orchestrator)

// WithWorkers sets the number of blobs processed concurrently. Values below 2
// select sequential processing.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		o.workers = n
	}
}

// WithRetryPolicy sets the policy applied to blob fetches
func WithRetryPolicy(p workers.RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

// WithRecorder records every blob outcome into rec
func WithRecorder(rec *report.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = rec
	}
}

func NewOrchestrator(source sources.Source, walker BlobWalker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:  source,
		walker:  walker,
		workers: 1,
		retry:   workers.NoRetry(),
		log:     logger.WithName("scan"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// blobOutcome is what processing one blob produced
type blobOutcome struct {
	findings []findings.Finding
	record   report.BlobRecord
	errs     []error
}

// Run scans every blob of the source. The returned error is non-nil only when
// the source could not be enumerated or ctx ended; the partial result is
// returned alongside it.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	metrics := workers.NewMetrics(max(o.workers, 1))
	metrics.Start()

	o.log.V(1).InfoS("Starting scan", "target", o.source.Describe(), "workers", o.workers)

	var outcomes []*blobOutcome
	var err error
	if o.workers > 1 {
		outcomes, err = o.runParallel(ctx, metrics)
	} else {
		outcomes, err = o.runSequential(ctx, metrics)
	}

	metrics.Stop()
	metrics.LogSummary()

	res := o.merge(outcomes)
	res.Metrics = metrics.Snapshot()
	if err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, metrics *workers.Metrics) ([]*blobOutcome, error) {
	var outcomes []*blobOutcome
	err := o.source.Enumerate(ctx, func(blob sources.Blob) error {
		out := o.process(ctx, blob, metrics)
		outcomes = append(outcomes, out)
		return ctx.Err()
	})
	return outcomes, err
}

// runParallel hands each blob to the pool. Every task writes into its own
// slot, and slots are merged in enumeration order.
func (o *Orchestrator) runParallel(ctx context.Context, metrics *workers.Metrics) ([]*blobOutcome, error) {
	pool := workers.NewWorkerPool(ctx, o.workers, workers.WithMetrics(metrics))
	if err := pool.Start(); err != nil {
		return nil, err
	}

	var outcomes []*blobOutcome
	enumErr := o.source.Enumerate(ctx, func(blob sources.Blob) error {
		slot := &blobOutcome{record: report.BlobRecord{Key: blob.Key}}
		outcomes = append(outcomes, slot)
		return pool.Submit(ctx, workers.NewFuncTask(blob.Key, func(ctx context.Context) error {
			*slot = *o.process(ctx, blob, metrics)
			if slot.record.Status == report.StatusReadFailed {
				return slot.errs[0]
			}
			return nil
		}))
	})

	pool.Wait()
	_ = pool.Stop()

	if enumErr == nil {
		enumErr = ctx.Err()
	}
	return outcomes, enumErr
}

func (o *Orchestrator) process(ctx context.Context, blob sources.Blob, metrics *workers.Metrics) *blobOutcome {
	out := &blobOutcome{record: report.BlobRecord{Key: blob.Key}}
	o.log.Info(fmt.Sprintf("Scanning %s...", blob.Key))
	metrics.RecordTaskStart()
	start := time.Now()
	defer func() {
		if o.recorder != nil {
			o.recorder.RecordBlob(out.record)
		}
	}()

	var data []byte
	fetch := workers.NewRetryableTask(workers.NewFuncTask(blob.Key, func(ctx context.Context) error {
		d, err := blob.Open(ctx)
		if err != nil {
			return err
		}
		data = d
		return nil
	}), o.retry, metrics)

	if err := fetch.Execute(ctx); err != nil {
		var rerr *sources.ReadError
		if !errors.As(err, &rerr) {
			err = &sources.ReadError{Key: blob.Key, Err: err}
		}
		o.log.Error(err, "Error reading file", "path", blob.Key)
		metrics.RecordTaskFailed(time.Since(start), err)
		out.record.Status = report.StatusReadFailed
		out.record.Error = err.Error()
		out.errs = append(out.errs, err)
		return out
	}
	metrics.RecordBytes(int64(len(data)))

	res, err := o.walker.Walk(ctx, blob.Key, data)
	if res != nil {
		out.findings = res.Findings
		out.errs = append(out.errs, res.Errors...)
		out.record.Units = res.Units
		out.record.Truncated = res.Truncated
		out.record.Findings = len(res.Findings)
	}
	if err != nil {
		out.errs = append(out.errs, err)
	}

	if len(out.errs) > 0 {
		out.record.Status = report.StatusDecodeFailed
		out.record.Error = out.errs[0].Error()
		metrics.RecordTaskFailed(time.Since(start), out.errs[0])
	} else {
		out.record.Status = report.StatusScanned
		metrics.RecordTaskComplete(time.Since(start))
	}
	return out
}

func (o *Orchestrator) merge(outcomes []*blobOutcome) *Result {
	res := &Result{Findings: []findings.Finding{}}
	collector := findings.NewCollector()

	for _, out := range outcomes {
		res.Outcome.Enumerated++
		switch out.record.Status {
		case report.StatusScanned:
			res.Outcome.Scanned++
		case report.StatusDecodeFailed:
			res.Outcome.DecodeFailed++
		case report.StatusReadFailed:
			res.Outcome.ReadFailed++
		}
		res.Outcome.Units += out.record.Units
		res.Outcome.Truncated += out.record.Truncated

		collector.Add(out.findings...)
		for _, err := range out.errs {
			res.Errors = multierror.Append(res.Errors, err)
		}
	}

	o.log.V(1).InfoS("Scan finished",
		"blobs", res.Outcome.Enumerated,
		"scanned", res.Outcome.Scanned,
		"findings", collector.Len())

	res.Findings = collector.All()
	if res.Findings == nil {
		res.Findings = []findings.Finding{}
	}
	return res
}
