package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratumhealth/dwetl/internal/idmap"
	"github.com/stratumhealth/dwetl/internal/model"
)

// NewSetupCommand creates the setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		modelPath string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create ID map and counter tables for the model",
		Long: `Create the ID map table and last-ID counter table for every id-mapped
table in the model, seeding each counter with the table's starting ID.

With --force, tables that already exist are left alone, so setup can be
re-applied to a database that is partially or fully initialized.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // main prints the error with its exit code
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(rootOpts, modelPath, force, cmd)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "path to the CUE model file")
	cmd.Flags().BoolVar(&force, "force", false, "tolerate already-created tables")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func runSetup(opts *RootOptions, modelPath string, force bool, cmd *cobra.Command) error {
	m, err := model.Load(modelPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading model", err)
	}
	conn, err := opts.Conn()
	if err != nil {
		return WrapExitError(ExitCommandError, "building connection", err)
	}

	err = idmap.CreateTables(cmd.Context(), conn, m, idmap.Options{
		Force:  force,
		Logger: opts.Logger(),
	})
	if err != nil {
		return WrapExitError(ExitFailure, "creating ID map tables", err)
	}

	f := formatter(opts, cmd.OutOrStdout())
	return f.Success(fmt.Sprintf("created ID map tables for %d table(s)", len(m.IDMapped())))
}
