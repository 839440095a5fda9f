package archive

import (
	"context"
	"errors"

	"artifact-scanner/v1/pkg/findings"
	"artifact-scanner/v1/pkg/logger"
)

// UnitScanner scans one leaf unit.
type UnitScanner interface {
	Scan(content []byte, source string) []findings.Finding
}

// WalkResult is everything learned from one top-level blob.
type WalkResult struct {
	Findings []findings.Finding
	// Errors holds one *DecodeError per container that failed part way.
	Errors []error
	// Units counts the leaf units handed to the scanner.
	Units int
	// Truncated counts containers left undecoded because of MaxDepth.
	Truncated int
}

// Walker unpacks a blob depth-first and scans every leaf unit.
type Walker struct {
	dispatcher *Dispatcher
	scanner    UnitScanner
	limits     Limits
	log        *logger.NamedLogger
}

func NewWalker(dispatcher *Dispatcher, scanner UnitScanner, limits Limits) *Walker {
	return &Walker{
		dispatcher: dispatcher,
		scanner:    scanner,
		limits:     limits.withDefaults(),
		log:        logger.WithName("archive"),
	}
}

// Walk scans the blob named path. Decode failures are recorded in the result
// and never stop the walk; only context cancellation is returned as an error.
func (w *Walker) Walk(ctx context.Context, path string, data []byte) (*WalkResult, error) {
	res := &WalkResult{}
	if err := w.walk(ctx, Unit{Path: path, Data: data}, 0, res); err != nil {
		return res, err
	}
	return res, nil
}

func (w *Walker) walk(ctx context.Context, unit Unit, depth int, res *WalkResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dec := w.dispatcher.Resolve(unit.DispatchName(), unit.Data)
	if dec == nil {
		w.scanLeaf(unit, res)
		return nil
	}
	if depth >= w.limits.MaxDepth {
		w.log.Warning("Nesting limit reached, scanning container as plain text",
			"path", unit.Path, "format", dec.Format(), "maxDepth", w.limits.MaxDepth)
		res.Truncated++
		w.scanLeaf(unit, res)
		return nil
	}

	w.log.V(2).InfoS("Dispatching unit", "path", unit.Path, "format", dec.Format(), "depth", depth)
	err := dec.Decode(ctx, unit.Data, unit.Path, func(child Unit) error {
		w.log.V(3).InfoS("Extracted member", "path", child.Path, "bytes", len(child.Data))
		return w.walk(ctx, child, depth+1, res)
	})
	if err == nil {
		return nil
	}
	if isCancellation(err) {
		return err
	}

	derr := &DecodeError{Path: unit.Path, Format: dec.Format(), Err: err}
	w.log.Error(derr, "Error reading file", "path", unit.Path)
	res.Errors = append(res.Errors, derr)
	return nil
}

func (w *Walker) scanLeaf(unit Unit, res *WalkResult) {
	res.Units++
	res.Findings = append(res.Findings, w.scanner.Scan(unit.Data, unit.Path)...)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
