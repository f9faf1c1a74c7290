package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratumhealth/dwetl/internal/idmap"
	"github.com/stratumhealth/dwetl/internal/model"
)

// AllocationReport holds per-table allocation results for output.
type AllocationReport struct {
	Tables []idmap.Result `json:"tables"`
}

func (r AllocationReport) String() string {
	out := ""
	for _, t := range r.Tables {
		out += fmt.Sprintf("%s: %d pending, %d assigned (last ID %d -> %d)\n",
			t.Table, t.Pending, t.Assigned, t.OldLastID, t.NewLastID)
	}
	if out == "" {
		return "no id-mapped tables"
	}
	return out[:len(out)-1]
}

// NewAllocateCommand creates the allocate command.
func NewAllocateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		modelPath  string
		table      string
		descending bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate coordinated IDs for unmapped rows",
		Long: `Count the rows of each id-mapped table that have no ID mapping yet,
reserve that many IDs from the table's counter, and insert the new
mappings. Already-mapped rows are never touched, so allocate can be
re-run safely after a partial failure.

With --table, only the named table is allocated. With --descending, IDs
are issued downward from the counter's low watermark, below the table's
starting floor, so they never collide with ascending IDs.`,
		Example: `  dwetl allocate --model care.cue --dburi postgresql://etl@dw-host/warehouse
  dwetl allocate --model care.cue --table person --descending`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // main prints the error with its exit code
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAllocate(rootOpts, modelPath, table, descending, force, cmd)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "path to the CUE model file")
	cmd.Flags().StringVar(&table, "table", "", "allocate only this table")
	cmd.Flags().BoolVar(&descending, "descending", false, "issue IDs downward, below the table's starting floor")
	cmd.Flags().BoolVar(&force, "force", false, "tolerate benign statement failures")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func runAllocate(opts *RootOptions, modelPath, table string, descending, force bool, cmd *cobra.Command) error {
	m, err := model.Load(modelPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading model", err)
	}
	conn, err := opts.Conn()
	if err != nil {
		return WrapExitError(ExitCommandError, "building connection", err)
	}

	allocOpts := idmap.Options{
		Force:      force,
		Descending: descending,
		Logger:     opts.Logger(),
	}

	var results []idmap.Result
	if table != "" {
		t := m.Lookup(table)
		if t == nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("table %q is not in the model", table))
		}
		if !t.IDMapped {
			return NewExitError(ExitCommandError, fmt.Sprintf("table %q is not id-mapped", table))
		}
		res, err := idmap.Assign(cmd.Context(), conn, *t, allocOpts)
		if err != nil {
			return WrapExitError(ExitFailure, "allocating IDs", err)
		}
		results = []idmap.Result{res}
	} else {
		results, err = idmap.AssignAll(cmd.Context(), conn, m, allocOpts)
		if err != nil {
			return WrapExitError(ExitFailure, "allocating IDs", err)
		}
	}

	f := formatter(opts, cmd.OutOrStdout())
	return f.Success(AllocationReport{Tables: results})
}
