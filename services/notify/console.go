// Package notifysvc tells users about queued changes the remote store did not accept.
package notifysvc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/trezcool/rollcall/core"
	syncer "github.com/trezcool/rollcall/core/sync"
)

// ConsoleNotifier writes notifications to the log. It keeps the last ones
// for display.
type ConsoleNotifier struct {
	logger core.Logger
	keep   int
	mu     sync.Mutex
	recent []syncer.Notification
}

var _ syncer.Notifier = (*ConsoleNotifier)(nil)

func NewConsoleNotifier(logger core.Logger, keep int) *ConsoleNotifier {
	if keep <= 0 {
		keep = 50
	}
	return &ConsoleNotifier{logger: logger, keep: keep}
}

func (n *ConsoleNotifier) Notify(_ context.Context, nt syncer.Notification) error {
	n.mu.Lock()
	n.recent = append(n.recent, nt)
	if len(n.recent) > n.keep {
		n.recent = n.recent[len(n.recent)-n.keep:]
	}
	n.mu.Unlock()

	n.logger.Info(Subject(nt), map[string]interface{}{"to": nt.To.ID, "record": nt.RecordID, "message": nt.Message})
	if nt.Diff != "" {
		n.logger.Debug("conflict diff\n" + nt.Diff)
	}
	return nil
}

// Recent returns the kept notifications, oldest first.
func (n *ConsoleNotifier) Recent() []syncer.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]syncer.Notification(nil), n.recent...)
}

// Subject is a one line summary of a notification.
func Subject(nt syncer.Notification) string {
	switch nt.Kind {
	case core.KindStaleWrite:
		return fmt.Sprintf("Conflict on record %s", nt.RecordID)
	case core.KindTransient:
		return fmt.Sprintf("Sync pending for record %s", nt.RecordID)
	case core.KindNotFound:
		return fmt.Sprintf("Record %s was removed", nt.RecordID)
	default:
		return fmt.Sprintf("Your %s of record %s was refused", nt.Op, nt.RecordID)
	}
}

// Body renders the plain text body of a notification.
func Body(nt syncer.Notification) string {
	b := new(strings.Builder)
	_, _ = fmt.Fprintf(b, "Hello %s,\r\n\r\n%s.\r\n", nameOf(nt), nt.Message)
	if nt.Diff != "" {
		_, _ = fmt.Fprintf(b, "\r\nYour version (local) against the stored one (remote):\r\n\r\n%s", nt.Diff)
	}
	return b.String()
}

func nameOf(nt syncer.Notification) string {
	if nt.To.Name != "" {
		return nt.To.Name
	}
	return nt.To.Username
}
