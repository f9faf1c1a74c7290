package stmt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/stratumhealth/dwetl/internal/dbconn"
)

// maxPoolSize caps the default worker count when the caller does not pick
// a pool size.
const maxPoolSize = 24

// Set is an unordered collection of Runnables keyed by identity. Adding a
// unit with an identity already present replaces it. A Set is not safe for
// concurrent mutation; ParallelExecute owns the set for the duration of the
// call.
type Set struct {
	items map[uuid.UUID]Runnable
}

// NewSet creates a set holding the given units.
func NewSet(items ...Runnable) *Set {
	s := &Set{items: make(map[uuid.UUID]Runnable, len(items))}
	for _, it := range items {
		s.items[it.ID()] = it
	}
	return s
}

// Add inserts a unit, replacing any member with the same identity.
func (s *Set) Add(r Runnable) { s.items[r.ID()] = r }

// Discard removes the unit with r's identity if present.
func (s *Set) Discard(r Runnable) { delete(s.items, r.ID()) }

// Contains reports whether a unit with r's identity is a member.
func (s *Set) Contains(r Runnable) bool {
	_, ok := s.items[r.ID()]
	return ok
}

// Get returns the member with the given identity, or nil.
func (s *Set) Get(id uuid.UUID) Runnable { return s.items[id] }

// Len returns the number of members.
func (s *Set) Len() int { return len(s.items) }

// All returns the members in unspecified order.
func (s *Set) All() []Runnable {
	out := make([]Runnable, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out
}

// PoolOptions configures a ParallelExecute call.
type PoolOptions struct {
	// PoolSize is the number of workers. Zero means one worker per member,
	// capped at 24.
	PoolSize int

	// Logger receives the batch-level records and is the sink behind the
	// worker log funnel. Nil means slog.Default().
	Logger *slog.Logger
}

// ParallelExecute runs every member concurrently across a bounded pool of
// workers and replaces the set's membership with the units that came back
// through the result channel.
//
// Workers communicate only through channels: each pulls from a shared task
// channel, executes on its own database session, pushes the processed unit
// to a shared result channel, and forwards log records to the funnel. No
// live connection is shared between workers.
//
// Statement-level failures never abort the pool; they surface on each
// member's Err when the caller inspects the returned set. The returned
// error is non-nil only when a worker itself died, in which case the result
// set must be treated as incomplete. No ordering is guaranteed among
// members, only completeness and membership.
func (s *Set) ParallelExecute(ctx context.Context, conn dbconn.ConnInfo, opts PoolOptions) error {
	n := s.Len()
	if n == 0 {
		return nil
	}

	size := opts.PoolSize
	if size <= 0 {
		size = n
		if size > maxPoolSize {
			size = maxPoolSize
		}
	}

	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	lg.LogAttrs(ctx, slog.LevelInfo, "executing statement set in parallel",
		append([]slog.Attr{
			slog.Int("len", n),
			slog.Int("pool_size", size),
		}, conn.LogAttrs()...)...)

	// Buffered to capacity so producers and workers never block on each
	// other; closing taskq is the stop signal each worker drains to.
	taskq := make(chan Runnable, n)
	resq := make(chan Runnable, n)
	logq := make(chan slog.Record, n*4)

	// The funnel must be consuming before any worker can produce a record.
	funnel := StartFunnel(logq, lg.Handler())
	workerLg := slog.New(NewChanHandler(logq))

	for _, task := range s.All() {
		taskq <- task
	}
	close(taskq)

	var wg sync.WaitGroup
	fatal := make(chan error, size)
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					fatal <- fmt.Errorf("pool worker %d died: %v", worker, r)
				}
			}()
			for task := range taskq {
				resq <- task.Execute(ctx, conn, workerLg)
			}
		}(i)
	}

	wg.Wait()
	close(resq)
	close(logq)
	funnel.Wait()

	// Membership is determined solely by what came back on the result
	// channel, not by the original objects.
	s.items = make(map[uuid.UUID]Runnable, n)
	for r := range resq {
		s.items[r.ID()] = r
	}

	select {
	case err := <-fatal:
		return fmt.Errorf("parallel execute: %w", err)
	default:
		return nil
	}
}
