package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tvpipe/tvpipe/internal/config"
	"github.com/tvpipe/tvpipe/internal/observability"
	"github.com/tvpipe/tvpipe/internal/pipeline"
)

// ExitCode maps a pipeline run outcome to a process exit code. It is
// exported so main can report it after Execute returns.
var ExitCode int

// runCmd starts the transcoding pipeline and blocks until it drains,
// fails, or receives SIGINT/SIGTERM.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the transcoding pipeline",
	Long:  "Load configuration, initialize the pipeline stages, and run until stopped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			ExitCode = 2
			return fmt.Errorf("loading configuration: %w", err)
		}

		logger := observability.NewLogger(cfg.Logging)
		observability.SetDefault(logger)

		sup := pipeline.New(cfg, logger)
		if err := sup.Init(); err != nil {
			ExitCode = 3
			return fmt.Errorf("initializing pipeline: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		switch sup.Run(ctx) {
		case pipeline.StatusOK:
			ExitCode = 0
		case pipeline.StatusCancelled:
			ExitCode = 5
		case pipeline.StatusInitError:
			ExitCode = 3
		case pipeline.StatusRuntimeError:
			ExitCode = 4
		default:
			ExitCode = 4
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
