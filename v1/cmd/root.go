package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"artifact-scanner/v1/pkg/logger"
)

var cfgFile string

// ExitError carries a non-zero exit code that is not a failure, such as
// "leaks were found".
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var rootCmd = NewRootCmd()

// NewRootCmd builds the full command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "artifact-scanner",
		Short: "Scan build artifacts for leaked secrets",
		Long: `Artifact Scanner looks for leaked credentials inside build artifacts.

Artifacts are read from an S3 bucket or from the local filesystem and are
unpacked recursively (tar, tar.gz, tgz, tar.zst, gz, zst, zip, deb, rpm).
Every text unit is matched against secret-like variable names and against
the values of sensitive environment variables.

Get started:
  1. Scan a local directory:
     $ artifact-scanner scan files ./dist

  2. Scan a bucket prefix:
     $ artifact-scanner scan s3 my-artifacts releases/

The command exits with 1 when anything was found.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().
		StringVar(&cfgFile,
			"config",
			"",
			"config file (default is ./config.yaml, then $HOME/.artifact-scanner/config.yaml)")

	// Add klog flags to the command
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	logger.InitFlags(fs)
	root.PersistentFlags().AddGoFlagSet(fs)

	root.AddCommand(newScanCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command and exits with its status
func Execute() {
	os.Exit(run(rootCmd, os.Args[1:]))
}

func run(root *cobra.Command, args []string) int {
	defer logger.Flush()

	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	logger.Error(err, "Failed to execute command")
	return 1
}
