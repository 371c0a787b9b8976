package memory

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refresher reindexes the workspace on a cron schedule. The file
// watcher catches local edits; the cron pass catches anything the
// watcher missed, such as edits made while the process was down.
type Refresher struct {
	store   *Store
	logger  zerolog.Logger
	runner  *cron.Cron
	entryID cron.EntryID
}

// NewRefresher schedules a periodic reindex using a five-field cron
// expression
func NewRefresher(store *Store, expr string, logger zerolog.Logger) (*Refresher, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	runner := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))

	r := &Refresher{
		store:  store,
		logger: logger,
		runner: runner,
	}

	entryID, err := runner.AddFunc(expr, r.refresh)
	if err != nil {
		return nil, fmt.Errorf("invalid reindex cron expression %q: %w", expr, err)
	}
	r.entryID = entryID

	return r, nil
}

// Start begins the schedule
func (r *Refresher) Start() {
	r.runner.Start()
	r.logger.Info().Msg("Memory reindex schedule started")
}

// Stop halts the schedule, waiting for an in-flight refresh
func (r *Refresher) Stop() {
	ctx := r.runner.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Memory reindex schedule stopped")
}

// NextRun reports when the next scheduled refresh fires
func (r *Refresher) NextRun() int64 {
	return r.runner.Entry(r.entryID).Next.UnixMilli()
}

func (r *Refresher) refresh() {
	r.store.MarkDirty()
	if err := r.store.Sync(context.Background()); err != nil {
		r.logger.Warn().Err(err).Msg("Scheduled memory reindex failed")
	}
}
