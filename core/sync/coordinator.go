// Package syncer reconciles the local record cache with the remote store.
// It is the only client-side writer of the remote store.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/user"
)

type (
	// Remote is the shared record store as seen by a signed-in client.
	// Push returns the authoritative record, nil after a delete.
	Remote interface {
		Push(ctx context.Context, m record.Mutation) (*record.Record, error)
		Pull(ctx context.Context, pred record.Predicate) ([]record.Record, error)
		Fetch(ctx context.Context, id string) (record.Record, error)
	}

	// Reconciler is the side of the lifecycle engine that accepts remote state.
	Reconciler interface {
		ApplyRemote(ctx context.Context, rec record.Record) error
		DropLocal(ctx context.Context, id string) error
		Local(ctx context.Context, id string) (record.Record, error)
		LocalQuery(ctx context.Context, pred record.Predicate) ([]record.Record, error)
	}

	// Notifier tells the user about queued work that did not go through.
	Notifier interface {
		Notify(ctx context.Context, n Notification) error
	}

	// Observer receives sync metrics.
	Observer interface {
		PushAccepted(op record.Op)
		PushFailed(op record.Op, kind core.Kind)
		QueueDepth(n int)
		Pulled(updated, removed int)
	}

	Notification struct {
		To       user.User
		RecordID string
		Op       record.Op
		Kind     core.Kind
		Message  string
		Diff     string
	}

	Config struct {
		BackoffBase time.Duration
		BackoffCap  time.Duration
		MaxAttempts int // attempts before an entry shows as "sync pending"
	}

	Coordinator struct {
		sess     user.Session
		engine   Reconciler
		outbox   record.Outbox
		marks    record.PullMarks
		remote   Remote
		notifier Notifier
		observer Observer
		logger   core.Logger
		conf     Config
		now      func() time.Time
		mu       sync.Mutex
	}
)

func NewConfig(conf core.SyncConfig) Config {
	return Config{BackoffBase: conf.BackoffBase, BackoffCap: conf.BackoffCap, MaxAttempts: conf.MaxAttempts}
}

func NewCoordinator(
	sess user.Session,
	engine Reconciler,
	outbox record.Outbox,
	marks record.PullMarks,
	remote Remote,
	notifier Notifier,
	observer Observer,
	logger core.Logger,
	conf Config,
) *Coordinator {
	if observer == nil {
		observer = nopObserver{}
	}
	if conf.BackoffBase <= 0 {
		conf.BackoffBase = time.Second
	}
	if conf.BackoffCap < conf.BackoffBase {
		conf.BackoffCap = conf.BackoffBase
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 8
	}
	return &Coordinator{
		sess:     sess,
		engine:   engine,
		outbox:   outbox,
		marks:    marks,
		remote:   remote,
		notifier: notifier,
		observer: observer,
		logger:   logger,
		conf:     conf,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Report sums up a sync round.
type Report struct {
	Pushed    int `json:"pushed"`
	Conflicts int `json:"conflicts"`
	Dropped   int `json:"dropped"`
	Retrying  int `json:"retrying"`
	Pending   int `json:"pending"` // entries past the attempt cap
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
}

// Sync drains the queue then pulls.
func (c *Coordinator) Sync(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep, err := c.drain(ctx)
	if err != nil {
		return rep, err
	}
	updated, removed, err := c.pull(ctx)
	rep.Updated, rep.Removed = updated, removed
	return rep, err
}

// Push drains the outbound queue once.
func (c *Coordinator) Push(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drain(ctx)
}

// Pull refreshes the cache from the remote store.
func (c *Coordinator) Pull(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updated, removed, err := c.pull(ctx)
	return Report{Updated: updated, Removed: removed}, err
}

// Status returns the entries the session user queued, for "sync pending"
// display.
func (c *Coordinator) Status(ctx context.Context) ([]record.Mutation, error) {
	queue, err := c.outbox.ListMutations(ctx)
	if err != nil {
		return nil, err
	}
	return record.Mutations(queue).OwnedBy(c.sess.UserID()), nil
}

func (c *Coordinator) notify(ctx context.Context, n Notification) {
	n.To = c.sess.User()
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.Error("notifying user", err, map[string]interface{}{"record": n.RecordID, "kind": n.Kind})
	}
}

type nopObserver struct{}

func (nopObserver) PushAccepted(record.Op)          {}
func (nopObserver) PushFailed(record.Op, core.Kind) {}
func (nopObserver) QueueDepth(int)                  {}
func (nopObserver) Pulled(int, int)                 {}
