// Package cli implements the dwetl command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratumhealth/dwetl/internal/dbconn"
	"github.com/stratumhealth/dwetl/internal/logging"
)

// passwordEnv is consulted when --password is not given, so the password
// never has to appear in shell history or process listings.
const passwordEnv = "DWETL_PASSWORD"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogFormat  string // "tty" | "text" | "json"
	LogLevel   string
	DBURI      string
	SearchPath string
	Password   string

	logger *slog.Logger
}

// NewRootCommand creates the root command for the dwetl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dwetl",
		Short: "Data warehouse ETL statement runner and ID allocator",
		Long: `dwetl executes warehouse transformation SQL serially, transactionally,
or through a worker pool, and allocates coordinated surrogate IDs for
site-submitted records.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd.ErrOrStderr())
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "logfmt", defaultLogFormat(),
		"log output format (tty|text|json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "loglvl", "info",
		"log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.DBURI, "dburi", "",
		"database URI, e.g. postgresql://user@host:5432/dbname")
	cmd.PersistentFlags().StringVar(&opts.SearchPath, "searchpath", "",
		"schema search path for the connection")
	cmd.PersistentFlags().StringVar(&opts.Password, "password", "",
		"database password (or set "+passwordEnv+")")

	// Add subcommands
	cmd.AddCommand(NewSetupCommand(opts))
	cmd.AddCommand(NewAllocateCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewModelCommand(opts))

	return cmd
}

// defaultLogFormat picks tty for interactive runs and json otherwise.
func defaultLogFormat() string {
	info, err := os.Stderr.Stat()
	if err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return "tty"
	}
	return "json"
}

// init validates the global flags and builds the logger once, before any
// subcommand runs.
func (o *RootOptions) init(errWriter io.Writer) error {
	level, err := logging.ParseLevel(o.LogLevel)
	if err != nil {
		return err
	}
	handler, err := logging.New(o.LogFormat, level, errWriter)
	if err != nil {
		return err
	}
	o.logger = slog.New(handler)

	if o.Password == "" {
		o.Password = os.Getenv(passwordEnv)
	}
	return nil
}

// Logger returns the root logger built from --logfmt and --loglvl.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// Conn builds connection info from --dburi. A postgresql:// URI is
// translated to a libpq keyword string; a plain path or sqlite:// URI
// opens an SQLite database file.
func (o *RootOptions) Conn() (dbconn.ConnInfo, error) {
	switch {
	case o.DBURI == "":
		return dbconn.ConnInfo{}, fmt.Errorf("--dburi is required")

	case strings.HasPrefix(o.DBURI, "postgresql://"), strings.HasPrefix(o.DBURI, "postgres://"):
		connStr, err := dbconn.MakeConnString(o.DBURI, o.SearchPath, o.Password)
		if err != nil {
			return dbconn.ConnInfo{}, err
		}
		return dbconn.ConnInfo{Driver: "postgres", ConnStr: connStr}, nil

	case strings.HasPrefix(o.DBURI, "sqlite://"):
		return dbconn.ConnInfo{Driver: "sqlite3", ConnStr: strings.TrimPrefix(o.DBURI, "sqlite://")}, nil

	default:
		// A bare path is treated as an SQLite database file.
		return dbconn.ConnInfo{Driver: "sqlite3", ConnStr: o.DBURI}, nil
	}
}
