package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/rollcall/core"
)

// Runner syncs on a cron schedule and whenever connectivity comes back.
type Runner struct {
	cron    *cron.Cron
	coord   *Coordinator
	logger  core.Logger
	timeout time.Duration
}

func NewRunner(coord *Coordinator, logger core.Logger, schedule string, timeout time.Duration) (*Runner, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	cl := cronLogger{logger}
	r := &Runner{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		coord:   coord,
		logger:  logger,
		timeout: timeout,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, errors.Wrapf(err, "scheduling sync %q", schedule)
	}
	return r, nil
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("sync runner started")
}

// Stop stops the schedule; the returned context is done once a running sync returns.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

// Reconnected runs a sync right away.
func (r *Runner) Reconnected(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rep, err := r.coord.Sync(ctx)
	r.log(rep, err)
	return rep, err
}

func (r *Runner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	rep, err := r.coord.Sync(ctx)
	r.log(rep, err)
}

func (r *Runner) log(rep Report, err error) {
	if err != nil {
		if core.KindOf(err) == core.KindTransient {
			r.logger.Warn("sync: remote unreachable", err)
			return
		}
		r.logger.Error("sync failed", err)
		return
	}
	r.logger.Debug("sync done", map[string]interface{}{
		"pushed": rep.Pushed, "conflicts": rep.Conflicts, "dropped": rep.Dropped,
		"retrying": rep.Retrying, "pending": rep.Pending, "updated": rep.Updated, "removed": rep.Removed,
	})
}

// cronLogger routes the scheduler's own messages to core.Logger. Its chatter
// (wake ups, skipped runs) goes to Debug.
type cronLogger struct {
	logger core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, err, fields(keysAndValues))
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	res := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		res[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return res
}
