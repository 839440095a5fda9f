package scan

import (
	"context"
	"fmt"
	"io"
	"os"

	"artifact-scanner/v1/pkg/archive"
	"artifact-scanner/v1/pkg/config"
	"artifact-scanner/v1/pkg/extract"
	"artifact-scanner/v1/pkg/findings"
	"artifact-scanner/v1/pkg/linescan"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/patterns"
	"artifact-scanner/v1/pkg/report"
	"artifact-scanner/v1/pkg/sources"
)

// Scan modes
const (
	ModeS3    = "s3"
	ModeFiles = "files"
)

// Options select what to scan. Config must be loaded and validated.
type Options struct {
	Mode   string
	Bucket string
	Prefix string
	Paths  []string
	Config *config.Config

	// Out receives the terminal report. Defaults to os.Stdout.
	Out io.Writer
	// Environ is harvested for secret values. Defaults to os.Environ().
	Environ []string
	// S3Client replaces the client built from Config.S3.
	S3Client sources.S3API
	// Runner replaces the os/exec runner used for package extraction.
	Runner extract.CommandRunner
}

// Factory builds the scan pipeline from configuration
type Factory struct {
	config *config.Config
	log    *logger.NamedLogger
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		config: cfg,
		log:    logger.WithName("scan-factory"),
	}
}

// BuildRegistry compiles the secret-name pattern and harvests secret values
// from environ and the configured extra secrets.
func (f *Factory) BuildRegistry(environ []string) (*patterns.Registry, error) {
	reg, err := patterns.NewRegistry(
		patterns.WithKeywords(f.config.Scan.Keywords...),
		patterns.WithMinSecretLength(f.config.Scan.MinSecretLength),
	)
	if err != nil {
		return nil, &config.ConfigError{Field: "scan.keywords", Message: "failed to build pattern registry", Err: err}
	}

	harvested := reg.ScanEnvironment(environ)
	extra := 0
	for _, v := range f.config.Scan.ExtraSecrets {
		if reg.AddLiteral(v) {
			extra++
		}
	}
	f.log.V(1).InfoS("Secret registry ready", "pattern", reg.Pattern(), "fromEnvironment", harvested, "extra", extra)
	return reg, nil
}

// BuildScanner wires the line scanner, adding the gitleaks rule pack when enabled
func (f *Factory) BuildScanner(reg *patterns.Registry) (*linescan.Scanner, error) {
	opts := []linescan.Option{linescan.WithEnvSecretsOnly(f.config.Scan.EnvSecretsOnly)}
	if f.config.Scan.Gitleaks {
		detector, err := linescan.NewGitleaksDetector(f.config.Scan.GitleaksConfig)
		if err != nil {
			return nil, &config.ConfigError{Field: "scan.gitleaksConfig", Message: "failed to load gitleaks rules", Err: err}
		}
		opts = append(opts, linescan.WithDetector(detector))
	}
	scanner := linescan.New(reg, opts...)
	f.log.V(1).InfoS("Line scanner ready",
		"envSecretsOnly", scanner.EnvSecretsOnly(),
		"gitleaks", f.config.Scan.Gitleaks)
	return scanner, nil
}

// BuildWalker wires the decoder table, package extractors and the walker
func (f *Factory) BuildWalker(scanner archive.UnitScanner, runner extract.CommandRunner) *archive.Walker {
	extractOpts := []extract.Option{
		extract.WithTempDir(f.config.Scan.TempDir),
		extract.WithMaxFileBytes(f.config.Scan.MaxUnitBytes),
	}
	if runner != nil {
		extractOpts = append(extractOpts, extract.WithRunner(runner))
	}
	tools := f.config.ExtractTools()
	limits := f.config.Limits()

	dispatcher := archive.NewDefaultDispatcher(limits, archive.Packages{
		Deb: extract.NewDebExtractor(tools, extractOpts...),
		RPM: extract.NewRPMExtractor(tools, extractOpts...),
	})
	dispatcher.EnableSniffing(f.config.Scan.Sniff)
	f.log.V(2).InfoS("Decoder table ready", "suffixes", dispatcher.Suffixes(), "sniff", f.config.Scan.Sniff)

	return archive.NewWalker(dispatcher, scanner, limits)
}

// BuildSource creates the enumerator for opts.Mode
func (f *Factory) BuildSource(ctx context.Context, opts Options, printer *findings.Printer) (sources.Source, error) {
	filter, err := sources.NewFilter(f.config.Scan.Include, f.config.Scan.Exclude)
	if err != nil {
		return nil, &config.ConfigError{Field: "scan.include", Message: "invalid key filter", Err: err}
	}

	switch opts.Mode {
	case ModeS3:
		if err := config.ValidateS3Target(opts.Bucket); err != nil {
			return nil, err
		}
		client := opts.S3Client
		if client == nil {
			c, err := sources.NewS3Client(ctx, f.config.S3Settings())
			if err != nil {
				return nil, err
			}
			client = c
		}
		return sources.NewS3Source(client, opts.Bucket, opts.Prefix, sources.WithS3Filter(filter)), nil

	case ModeFiles:
		if err := config.ValidateFilesTarget(opts.Paths); err != nil {
			return nil, err
		}
		return sources.NewFilesystemSource(opts.Paths,
			sources.WithFilesystemFilter(filter),
			sources.WithInvalidPathHandler(printer.InvalidPath),
		), nil

	default:
		return nil, &config.ConfigError{Field: "mode", Message: fmt.Sprintf("unknown scan mode %q", opts.Mode)}
	}
}

// Run executes one scan and prints the terminal report. It returns the
// process exit code; a non-nil error means the scan could not run to the end.
func Run(ctx context.Context, opts Options) (int, error) {
	if opts.Config == nil {
		return 1, &config.ConfigError{Message: "configuration is required"}
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}

	cfg := opts.Config
	f := NewFactory(cfg)
	printer := findings.NewPrinter(opts.Out, cfg.Color)

	if cfg.Scan.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Scan.Timeout)
		defer cancel()
	}

	reg, err := f.BuildRegistry(opts.Environ)
	if err != nil {
		return 1, err
	}
	scanner, err := f.BuildScanner(reg)
	if err != nil {
		return 1, err
	}
	source, err := f.BuildSource(ctx, opts, printer)
	if err != nil {
		return 1, err
	}
	walker := f.BuildWalker(scanner, opts.Runner)

	recorder := report.NewRecorder(opts.Mode, source.Describe())
	orchestrator := NewOrchestrator(source, walker,
		WithWorkers(cfg.Scan.Workers),
		WithRetryPolicy(cfg.RetryPolicy()),
		WithRecorder(recorder),
	)

	result, runErr := orchestrator.Run(ctx)
	if runErr != nil {
		recorder.RecordError(runErr)
		f.log.Error(runErr, "Scan did not complete", "target", source.Describe())
	}
	if result.Errors != nil {
		f.log.V(1).InfoS("Skipped blobs", "count", len(result.Errors.Errors))
	}

	if err := printer.Print(result.Findings); err != nil {
		return 1, fmt.Errorf("failed to write results: %w", err)
	}

	if cfg.Report.Output != "" {
		snapshot := result.Metrics
		if err := report.Save(recorder.Generate(result.Findings, &snapshot), cfg.Report.Output); err != nil {
			f.log.Error(err, "Failed to save report", "path", cfg.Report.Output)
		}
	}

	logger.V(1).InfoS("Scan finished",
		"runID", recorder.RunID(),
		"blobs", result.Outcome.Enumerated,
		"scanned", result.Outcome.Scanned,
		"decodeFailed", result.Outcome.DecodeFailed,
		"readFailed", result.Outcome.ReadFailed,
		"findings", len(result.Findings))

	if runErr != nil {
		return 1, runErr
	}
	return result.ExitCode(), nil
}
