package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"artifact-scanner/v1/pkg/config"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/scan"
)

// environ is harvested for sensitive values
var environ = os.Environ

// scanFlags maps each scan flag to its configuration key
var scanFlags = map[string]string{
	"env-secrets-only": "scan.envSecretsOnly",
	"workers":          "scan.workers",
	"max-depth":        "scan.maxDepth",
	"include":          "scan.include",
	"exclude":          "scan.exclude",
	"sniff":            "scan.sniff",
	"gitleaks":         "scan.gitleaks",
	"gitleaks-config":  "scan.gitleaksConfig",
	"timeout":          "scan.timeout",
	"report":           "report.output",
	"color":            "color",
}

func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan artifacts for leaked secrets",
		Long: `Scan artifacts for leaked secrets.

Every artifact is unpacked recursively and each text unit is matched line by
line. Findings are printed as "path:line: text", where path is the logical
path through every archive layer.

Examples:
  # Scan everything under a bucket prefix
  artifact-scanner scan s3 my-artifacts releases/2024/

  # Scan local files and directories, only for environment secret values
  artifact-scanner scan files ./dist ./build.log --env-secrets-only

  # Scan in parallel and save a JSON report
  artifact-scanner scan files ./dist --workers 8 --report scan-report.json`,
	}

	flags := scanCmd.PersistentFlags()
	flags.Bool("env-secrets-only", false, "Only report values of sensitive environment variables")
	flags.Int("workers", 1, "Number of artifacts scanned concurrently (1 scans sequentially)")
	flags.Int("max-depth", 0, "Maximum archive nesting depth (default from configuration)")
	flags.StringSlice("include", nil, "Only scan keys matching these glob patterns")
	flags.StringSlice("exclude", nil, "Skip keys matching these glob patterns")
	flags.Bool("sniff", false, "Detect archive formats by content when the name has no known suffix")
	flags.Bool("gitleaks", false, "Also run the gitleaks rule pack")
	flags.String("gitleaks-config", "", "Path to a gitleaks TOML rule file")
	flags.Duration("timeout", 0, "Abort the scan after this duration (0 means no limit)")
	flags.String("report", "", "Write a report file (.json, .yaml, .md or .txt)")
	flags.Bool("color", false, "Colorize the terminal report")

	scanCmd.AddCommand(&cobra.Command{
		Use:   "s3 <bucket> <prefix>",
		Short: "Scan every object under an S3 bucket prefix",
		Long: `Scan every object under an S3 bucket prefix.

Credentials and region come from the standard AWS configuration chain
(environment, shared config files, instance roles). Use "" as prefix to scan
the whole bucket.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, scan.Options{
				Mode:   scan.ModeS3,
				Bucket: args[0],
				Prefix: args[1],
			})
		},
	})

	scanCmd.AddCommand(&cobra.Command{
		Use:   "files <path>...",
		Short: "Scan local files and directories",
		Long: `Scan local files and directories.

Directories are walked recursively. Paths that are neither a file nor a
directory are reported and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, scan.Options{
				Mode:  scan.ModeFiles,
				Paths: args,
			})
		},
	})

	return scanCmd
}

// loadConfig merges defaults, the config file, environment overrides and the
// flags that were set on the command line.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	if err := config.Init(v, cfgFile); err != nil {
		return nil, err
	}

	for name, key := range scanFlags {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, &config.ConfigError{Field: key, Message: "failed to bind flag --" + name, Err: err}
		}
	}

	return config.Load(v)
}

func runScan(cmd *cobra.Command, opts scan.Options) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts.Config = cfg
	opts.Out = cmd.OutOrStdout()
	opts.Environ = environ()

	code, err := scan.Run(ctx, opts)
	if err != nil {
		return err
	}
	logger.V(2).InfoS("Scan command finished", "mode", opts.Mode, "exitCode", code)
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
