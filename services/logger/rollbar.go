// Package logsvc logs to a standard logger and reports to Rollbar.
//
// Besides a message, every level takes any mix of: an error, field maps, the
// acting user.User or user.Session, and the record.Record or record.Mutation
// the entry is about. Records and mutations are flattened into fields so a
// sync incident can be traced back to the record and the queued change.
package logsvc

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rollbar/rollbar-go"
	rollbarerrors "github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/user"
)

type RollbarLogger struct {
	std *log.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(rollbarerrors.StackTracer)
	l := &RollbarLogger{std: std}
	l.Enable(conf.RollbarToken != "" && !conf.Debug && !conf.TestMode)
	return l
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// entry is a log call sorted out by argument type.
type entry struct {
	msg    string
	err    error
	actor  *user.User
	fields map[string]interface{}
	extra  []interface{} // anything else, printed as is
}

func newEntry(msg string, args []interface{}) entry {
	e := entry{msg: msg, fields: make(map[string]interface{})}
	for _, arg := range args {
		switch a := arg.(type) {
		case nil:
		case error:
			if e.err == nil {
				e.err = a
				e.errorFields(a)
			}
		case map[string]interface{}:
			for k, v := range a {
				e.fields[k] = v
			}
		case user.User:
			e.setActor(a)
		case user.Session:
			e.setActor(a.User())
		case record.Record:
			e.recordFields(a)
		case *record.Record:
			e.recordFields(*a)
		case record.Mutation:
			e.mutationFields(a)
		default:
			e.extra = append(e.extra, arg)
		}
	}
	return e
}

// only the first user is the actor
func (e *entry) setActor(usr user.User) {
	if e.actor == nil {
		e.actor = &usr
	}
}

func (e *entry) set(key string, value interface{}) {
	if _, ok := e.fields[key]; !ok {
		e.fields[key] = value
	}
}

func (e *entry) errorFields(err error) {
	if kind := core.KindOf(err); kind != core.KindInternal {
		e.set("kind", kind)
	}
	var rErr *core.RecordError
	if errors.As(err, &rErr) && rErr.RecordID != "" {
		e.set("record", rErr.RecordID)
	}
}

func (e *entry) recordFields(r record.Record) {
	e.set("record", r.ID)
	e.set("record_kind", r.Kind)
	e.set("state", r.State)
	e.set("edit", r.EditCount)
}

func (e *entry) mutationFields(m record.Mutation) {
	e.set("mutation", m.ID)
	e.set("record", m.RecordID)
	e.set("op", m.Op)
	e.set("status", m.Status)
	e.set("based_on", m.BasedOnEditCount)
	if m.Attempts > 0 {
		e.set("attempts", m.Attempts)
	}
	if m.ActorID != "" {
		e.set("queued_by", m.ActorID)
	}
}

// rollbarArgs returns the arguments for a rollbar call and sets the person.
func (e entry) rollbarArgs() []interface{} {
	if e.actor != nil {
		rollbar.SetPerson(e.actor.ID, e.actor.Username, e.actor.Email)
	} else {
		rollbar.ClearPerson()
	}
	args := []interface{}{e.msg}
	if e.err != nil {
		args = append(args, e.err)
	}
	if len(e.fields) > 0 {
		args = append(args, e.fields)
	}
	return append(args, e.extra...)
}

// line renders the entry as "LEVEL msg by id (role) key=value ...", keys sorted.
func (e entry) line(level string) string {
	var b strings.Builder
	b.WriteString(level + " " + e.msg)
	if e.actor != nil {
		fmt.Fprintf(&b, " by %s (%s)", e.actor.ID, e.actor.Role)
	}
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.fields[k])
	}
	for _, x := range e.extra {
		fmt.Fprintf(&b, " %+v", x)
	}
	if e.err != nil {
		fmt.Fprintf(&b, "\n  %+v", e.err)
	}
	return b.String()
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	e := newEntry(msg, args)
	rollbar.Debug(e.rollbarArgs()...)
	l.std.Println(e.line("DEBUG"))
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	e := newEntry(msg, args)
	rollbar.Info(e.rollbarArgs()...)
	l.std.Println(e.line("INFO"))
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	e := newEntry(msg, args)
	rollbar.Warning(e.rollbarArgs()...)
	l.std.Println(e.line("WARN"))
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	e := newEntry(msg, args)
	rollbar.Error(e.rollbarArgs()...)
	l.std.Println(e.line("ERROR"))
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	e := newEntry(msg, args)
	rollbar.Critical(e.rollbarArgs()...)
	l.std.Println(e.line("FATAL"))
	rollbar.Wait()
	l.std.Fatal(msg)
}
