package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratumhealth/dwetl/internal/model"
)

// ModelReport describes a compiled model for output.
type ModelReport struct {
	Tables   int `json:"tables"`
	IDMapped int `json:"id_mapped"`
}

func (r ModelReport) String() string {
	return fmt.Sprintf("model ok: %d table(s), %d id-mapped", r.Tables, r.IDMapped)
}

// NewModelCommand creates the model command group.
func NewModelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect CUE table models",
	}
	cmd.AddCommand(NewModelVetCommand(rootOpts))
	return cmd
}

// NewModelVetCommand creates the model vet command.
func NewModelVetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vet <model.cue>",
		Short: "Compile a model file and report problems",
		Long: `Compile a CUE model file without touching a database. Reports the table
count on success, or the first compile problem with its source position.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // main prints the error with its exit code
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelVet(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runModelVet(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := formatter(opts, cmd.OutOrStdout())

	m, err := model.Load(path)
	if err != nil {
		var cerr *model.CompileError
		if errors.As(err, &cerr) {
			_ = f.Failure(cerr)
		}
		return WrapExitError(ExitCommandError, "model vet failed", err)
	}

	return f.Success(ModelReport{Tables: len(m.Tables), IDMapped: len(m.IDMapped())})
}
