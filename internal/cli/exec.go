package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratumhealth/dwetl/internal/job"
)

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "exec <job.yaml>",
		Short: "Run a declarative SQL job",
		Long: `Run the phases of a YAML job file in order. Serial phases keep going
past individual statement failures, transaction phases roll back on the
first failure, and parallel phases fan steps out over a worker pool.

With --force, benign failures (objects that already exist or are already
gone) are tolerated in serial and parallel phases, so a job can be
re-applied to a database it already ran against.`,
		Example: `  dwetl exec nightly.yaml --dburi postgresql://etl@dw-host/warehouse
  dwetl exec nightly.yaml --force`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // main prints the error with its exit code
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(rootOpts, args[0], force, cmd)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "tolerate benign statement failures")

	return cmd
}

func runExec(opts *RootOptions, path string, force bool, cmd *cobra.Command) error {
	j, err := job.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading job", err)
	}
	conn, err := opts.Conn()
	if err != nil {
		return WrapExitError(ExitCommandError, "building connection", err)
	}

	if force {
		for i := range j.Phases {
			if j.Phases[i].Mode != job.ModeTransaction {
				j.Phases[i].Force = true
			}
		}
	}

	if err := job.Run(cmd.Context(), conn, j, opts.Logger()); err != nil {
		return WrapExitError(ExitFailure, "running job", err)
	}

	f := formatter(opts, cmd.OutOrStdout())
	return f.Success(fmt.Sprintf("job %s finished: %d phase(s)", j.Name, len(j.Phases)))
}
