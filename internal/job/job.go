// Package job loads and runs declarative SQL jobs.
//
// A job file is YAML: a name, a description, and an ordered list of
// phases. Each phase carries an execution mode and a list of SQL steps.
// Serial phases run each step on its own connection and keep going past
// failures; transaction phases run all steps in one transaction and roll
// back on the first failure; parallel phases run steps through the worker
// pool. Phase order is strict: a phase starts only after the previous one
// finished cleanly.
package job

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratumhealth/dwetl/internal/dbconn"
	"github.com/stratumhealth/dwetl/internal/sqlerr"
	"github.com/stratumhealth/dwetl/internal/stmt"
)

// Execution modes for a phase.
const (
	ModeSerial      = "serial"
	ModeTransaction = "transaction"
	ModeParallel    = "parallel"
)

// Step is one SQL statement within a phase.
type Step struct {
	SQL     string `yaml:"sql"`
	Purpose string `yaml:"purpose,omitempty"`
}

// Phase is an ordered group of steps sharing an execution mode.
type Phase struct {
	Name  string `yaml:"name,omitempty"`
	Mode  string `yaml:"mode"`
	Pool  int    `yaml:"pool,omitempty"`
	Force bool   `yaml:"force,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Job is a named sequence of phases.
type Job struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Phases      []Phase `yaml:"phases"`
}

// Load reads and parses a job YAML file. Unknown fields are rejected to
// catch typos, and the job is validated before it is returned.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return Parse(data)
}

// Parse parses job YAML.
func Parse(data []byte) (*Job, error) {
	var j Job
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&j); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(&j); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	return &j, nil
}

func validate(j *Job) error {
	if j.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(j.Phases) == 0 {
		return fmt.Errorf("phases list is required and must be non-empty")
	}
	for i, p := range j.Phases {
		switch p.Mode {
		case ModeSerial, ModeTransaction, ModeParallel:
		default:
			return fmt.Errorf("phase %d: mode must be serial, transaction, or parallel, got %q",
				i, p.Mode)
		}
		if p.Pool != 0 && p.Mode != ModeParallel {
			return fmt.Errorf("phase %d: pool is only valid for parallel phases", i)
		}
		// A benign failure still poisons its transaction, so force cannot
		// rescue a transactional phase.
		if p.Force && p.Mode == ModeTransaction {
			return fmt.Errorf("phase %d: force cannot be combined with transaction mode", i)
		}
		if p.Pool < 0 {
			return fmt.Errorf("phase %d: pool must be positive", i)
		}
		if len(p.Steps) == 0 {
			return fmt.Errorf("phase %d: steps list is required and must be non-empty", i)
		}
		for k, s := range p.Steps {
			if s.SQL == "" {
				return fmt.Errorf("phase %d step %d: sql is required", i, k)
			}
		}
	}
	return nil
}

// label names a phase for logs and errors.
func (p Phase) label(i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("phase %d", i+1)
}

func (s Step) statement() *stmt.Statement {
	if s.Purpose != "" {
		return stmt.NewPurpose(s.SQL, s.Purpose)
	}
	return stmt.New(s.SQL)
}

// Run executes a job's phases in order against one database. It stops at
// the first phase that fails and returns that phase's first statement
// failure; phases already run are not undone.
func Run(ctx context.Context, conn dbconn.ConnInfo, j *Job, lg *slog.Logger) error {
	lg.Info("starting job", "job", j.Name, "phases", len(j.Phases))

	for i, p := range j.Phases {
		label := p.label(i)
		lg.Info("starting job phase",
			"job", j.Name, "phase", label, "mode", p.Mode, "steps", len(p.Steps))

		if err := runPhase(ctx, conn, p, label, lg); err != nil {
			return fmt.Errorf("job %s, %s: %w", j.Name, label, err)
		}
	}

	lg.Info("finished job", "job", j.Name)
	return nil
}

func runPhase(ctx context.Context, conn dbconn.ConnInfo, p Phase, label string, lg *slog.Logger) error {
	opts := sqlerr.Options{Force: p.Force, Logger: lg}

	switch p.Mode {
	case ModeSerial:
		l := stmt.NewList()
		for _, s := range p.Steps {
			l.Append(s.statement())
		}
		l.SerialExecute(ctx, conn, lg)
		return sqlerr.CheckAll(l.All(), label, opts)

	case ModeTransaction:
		l := stmt.NewList()
		for _, s := range p.Steps {
			l.Append(s.statement())
		}
		if err := l.SerialExecuteTx(ctx, conn, lg); err != nil {
			return err
		}
		return sqlerr.CheckAll(l.All(), label, opts)

	case ModeParallel:
		set := stmt.NewSet()
		for _, s := range p.Steps {
			set.Add(s.statement())
		}
		if err := set.ParallelExecute(ctx, conn, stmt.PoolOptions{PoolSize: p.Pool, Logger: lg}); err != nil {
			return err
		}
		return sqlerr.CheckAll(set.All(), label, opts)
	}
	return fmt.Errorf("unknown phase mode %q", p.Mode)
}
