package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/lifecycle"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	syncer "github.com/trezcool/rollcall/core/sync"
	"github.com/trezcool/rollcall/core/user"
	metricsvc "github.com/trezcool/rollcall/services/metrics"
	inmemdb "github.com/trezcool/rollcall/storage/database/inmem"
)

const dateLayout = "2006-01-02"

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

// remoteAPI is the remote store plus the account endpoints the client needs.
type remoteAPI interface {
	syncer.Remote
	Login(ctx context.Context, username, password string) (user.Session, error)
	Students(ctx context.Context) ([]student.Student, error)
}

type commandLine struct {
	conf       *core.Config
	db         *inmemdb.DB
	remote     remoteAPI
	notifier   syncer.Notifier
	validate   *validator.Validate
	translator ut.Translator
	logger     core.Logger
	metrics    *metricsvc.Metrics
	out        io.Writer

	sess   user.Session
	engine *lifecycle.Engine
	coord  *syncer.Coordinator
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage: client -username USERNAME COMMAND [ARGS]")
	fmt.Fprintln(cli.out, "  sync - push queued changes then pull")
	fmt.Fprintln(cli.out, "  watch [-metrics ADDR] - sync on schedule until interrupted")
	fmt.Fprintln(cli.out, "  mark -student ID -status present|absent|late|excused [-date YYYY-MM-DD] [-note NOTE] - record attendance")
	fmt.Fprintln(cli.out, "  score -student ID -title TITLE -score N -max N [-date YYYY-MM-DD] [-comment C] - record an assessment")
	fmt.Fprintln(cli.out, "  edit -id ID [-status S] [-note N] [-title T] [-score N] [-max N] [-comment C] - edit a draft")
	fmt.Fprintln(cli.out, "  export -ids ID,ID - export drafts")
	fmt.Fprintln(cli.out, "  delete -id ID - delete a record")
	fmt.Fprintln(cli.out, "  lock|unlock -id ID - lock or unlock an exported record (admin)")
	fmt.Fprintln(cli.out, "  records [-kind K] [-state S] [-student ID] - list visible records")
	fmt.Fprintln(cli.out, "  status - list queued changes")
	fmt.Fprintln(cli.out, "  conflicts - list refused changes")
	fmt.Fprintln(cli.out, "  resolve -id ID - discard refused changes of a record")
}

func (cli *commandLine) promptPassword() (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

// signIn authenticates against the remote store and caches the identity, its
// password hash and the visible students. Offline, the password is checked
// against the cached hash.
func (cli *commandLine) signIn(ctx context.Context, uname string) error {
	pwd, err := cli.promptPassword()
	if err != nil {
		return err
	}
	users := inmemdb.NewUserRepository(cli.db)

	sess, err := cli.remote.Login(ctx, uname, pwd)
	switch {
	case err == nil:
		usr := sess.User()
		if err = usr.SetPassword(pwd); err != nil {
			return pkgerrors.Wrap(err, "hashing password")
		}
		if _, err = users.CreateUser(ctx, usr); err != nil {
			return pkgerrors.Wrap(err, "caching identity")
		}
		if err = cli.refreshStudents(ctx); err != nil {
			cli.logger.Warn("students not refreshed", map[string]interface{}{"err": err.Error()})
		}
	case core.KindOf(err) == core.KindTransient:
		usr, gErr := users.GetUser(ctx, user.GetFilter{UsernameOrEmail: uname})
		if gErr != nil {
			return pkgerrors.Wrap(err, "remote store unreachable and no cached identity")
		}
		if usr.CheckPassword(pwd) != nil {
			return pkgerrors.WithMessage(core.ErrNotFound, "invalid credentials")
		}
		cli.logger.Warn("working offline with the cached identity", map[string]interface{}{"user": usr.Username})
		sess = user.NewSession(usr)
	default:
		return pkgerrors.Wrap(err, "signing in")
	}

	var observer syncer.Observer
	if cli.metrics != nil {
		observer = cli.metrics
	}
	cli.sess = sess
	cli.engine = lifecycle.NewEngine(
		inmemdb.NewRecordRepository(cli.db),
		inmemdb.NewOutbox(cli.db),
		inmemdb.NewStudentRepository(cli.db),
		cli.validate,
		cli.translator,
		cli.logger,
	)
	cli.coord = syncer.NewCoordinator(
		sess,
		cli.engine,
		inmemdb.NewOutbox(cli.db),
		inmemdb.NewPullMarks(cli.db),
		cli.remote,
		cli.notifier,
		observer,
		cli.logger,
		syncer.NewConfig(cli.conf.Sync),
	)
	return nil
}

func (cli *commandLine) refreshStudents(ctx context.Context) error {
	students, err := cli.remote.Students(ctx)
	if err != nil {
		return err
	}
	repo := inmemdb.NewStudentRepository(cli.db)
	for _, st := range students {
		if _, err = repo.CreateStudent(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (cli *commandLine) save() error {
	if cli.conf.Sync.SnapshotPath == "" {
		return nil
	}
	return cli.db.Save(cli.conf.Sync.SnapshotPath)
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("client", flag.ContinueOnError)
	global.SetOutput(cli.out)
	uname := global.String("username", "", "The username or e-mail. The password will be prompted next.")
	if err := global.Parse(args[1:]); err != nil || global.NArg() == 0 || *uname == "" {
		cli.printUsage()
		return errHelp
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	var handler func(ctx context.Context, args []string) error
	switch cmd {
	case "sync":
		handler = cli.sync
	case "watch":
		handler = cli.watch
	case "mark":
		handler = cli.mark
	case "score":
		handler = cli.score
	case "edit":
		handler = cli.edit
	case "export":
		handler = cli.export
	case "delete":
		handler = cli.delete
	case "lock", "unlock":
		handler = func(ctx context.Context, args []string) error { return cli.transition(ctx, cmd, args) }
	case "records":
		handler = cli.records
	case "status":
		handler = cli.status
	case "conflicts":
		handler = cli.conflicts
	case "resolve":
		handler = cli.resolve
	default:
		cli.printUsage()
		return errHelp
	}

	if err := cli.signIn(ctx, *uname); err != nil {
		return err
	}
	err := handler(ctx, rest)
	if sErr := cli.save(); sErr != nil {
		cli.logger.Error("saving snapshot", sErr)
		if err == nil {
			err = sErr
		}
	}
	return err
}

func (cli *commandLine) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func (cli *commandLine) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, string(data))
	return err
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC().Truncate(24 * time.Hour), nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, core.NewValidationError(err, core.FieldError{Field: "date", Error: "want " + dateLayout})
	}
	return d, nil
}

func splitList(s string) []string {
	var res []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			res = append(res, v)
		}
	}
	return res
}

func (cli *commandLine) sync(ctx context.Context, _ []string) error {
	rep, err := cli.coord.Sync(ctx)
	if pErr := cli.printJSON(rep); pErr != nil {
		return pErr
	}
	return err
}

func (cli *commandLine) watch(ctx context.Context, args []string) error {
	fs := cli.flagSet("watch")
	addr := fs.String("metrics", "", "Address to expose the sync metrics on, e.g. localhost:4001.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	runner, err := syncer.NewRunner(cli.coord, cli.logger, cli.conf.Sync.PullSchedule, cli.conf.Sync.PushTimeout)
	if err != nil {
		return err
	}
	if *addr != "" && cli.metrics != nil {
		srv := &http.Server{Addr: *addr, Handler: cli.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cli.logger.Error("metrics server closed", err, map[string]interface{}{"address": *addr})
			}
		}()
		defer srv.Close()
	}
	if _, err = runner.Reconnected(ctx); err != nil && core.KindOf(err) != core.KindTransient {
		return err
	}
	runner.Start()
	<-ctx.Done()
	<-runner.Stop().Done()
	return nil
}

func (cli *commandLine) printRecord(rec record.Record) {
	fmt.Fprintf(cli.out, "%s %s %s %s/%d %s (edit %d)\n",
		rec.ID, rec.Kind, rec.StudentID, rec.GroupID, rec.Year, rec.State, rec.EditCount)
}

func (cli *commandLine) mark(ctx context.Context, args []string) error {
	fs := cli.flagSet("mark")
	studentID := fs.String("student", "", "The student's id.")
	status := fs.String("status", string(record.StatusPresent), "present, absent, late or excused.")
	date := fs.String("date", "", "The session date, today by default.")
	note := fs.String("note", "", "An optional note.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	d, err := parseDate(*date)
	if err != nil {
		return err
	}
	rec, err := cli.engine.Create(ctx, cli.sess, record.NewRecord{
		Kind:      record.KindAttendance,
		StudentID: *studentID,
		Payload: record.Payload{Attendance: &record.AttendancePayload{
			Date: d, Status: record.AttendanceStatus(*status), Note: *note,
		}},
	})
	if err != nil {
		return err
	}
	cli.printRecord(rec)
	return nil
}

func (cli *commandLine) score(ctx context.Context, args []string) error {
	fs := cli.flagSet("score")
	studentID := fs.String("student", "", "The student's id.")
	title := fs.String("title", "", "The assessment title.")
	score := fs.Float64("score", 0, "The score.")
	maxScore := fs.Float64("max", 20, "The maximum score.")
	date := fs.String("date", "", "The assessment date, today by default.")
	comment := fs.String("comment", "", "An optional comment.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	d, err := parseDate(*date)
	if err != nil {
		return err
	}
	rec, err := cli.engine.Create(ctx, cli.sess, record.NewRecord{
		Kind:      record.KindAssessment,
		StudentID: *studentID,
		Payload: record.Payload{Assessment: &record.AssessmentPayload{
			Title: *title, Score: *score, MaxScore: *maxScore, Comment: *comment, AssessedOn: d,
		}},
	})
	if err != nil {
		return err
	}
	cli.printRecord(rec)
	return nil
}

func (cli *commandLine) edit(ctx context.Context, args []string) error {
	fs := cli.flagSet("edit")
	id := fs.String("id", "", "The record id.")
	status := fs.String("status", "", "New attendance status.")
	note := fs.String("note", "", "New attendance note.")
	title := fs.String("title", "", "New assessment title.")
	score := fs.Float64("score", 0, "New score.")
	maxScore := fs.Float64("max", 0, "New maximum score.")
	comment := fs.String("comment", "", "New assessment comment.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}

	// only the flags given on the command line make it into the patch
	var patch record.Patch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "status":
			s := record.AttendanceStatus(*status)
			patch.Status = &s
		case "note":
			patch.Note = note
		case "title":
			patch.Title = title
		case "score":
			patch.Score = score
		case "max":
			patch.MaxScore = maxScore
		case "comment":
			patch.Comment = comment
		}
	})

	cur, err := cli.engine.Get(ctx, cli.sess, *id)
	if err != nil {
		return err
	}
	rec, err := cli.engine.Update(ctx, cli.sess, cur.ID, cur.EditCount, patch)
	if err != nil {
		return err
	}
	cli.printRecord(rec)
	return nil
}

func (cli *commandLine) export(ctx context.Context, args []string) error {
	fs := cli.flagSet("export")
	ids := fs.String("ids", "", "Comma separated record ids.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	res, err := cli.engine.ExportBatch(ctx, cli.sess, splitList(*ids))
	if err != nil {
		return err
	}
	for _, rec := range res.Succeeded {
		fmt.Fprintf(cli.out, "exported %s\n", rec.ID)
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(cli.out, "refused %s: %s (%s)\n", rej.RecordID, rej.Reason, rej.Kind)
	}
	return nil
}

func (cli *commandLine) delete(ctx context.Context, args []string) error {
	fs := cli.flagSet("delete")
	id := fs.String("id", "", "The record id.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	if err := cli.engine.Delete(ctx, cli.sess, *id); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "deleted %s\n", *id)
	return nil
}

func (cli *commandLine) transition(ctx context.Context, cmd string, args []string) error {
	fs := cli.flagSet(cmd)
	id := fs.String("id", "", "The record id.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	var (
		rec record.Record
		err error
	)
	if cmd == "lock" {
		rec, err = cli.engine.Lock(ctx, cli.sess, *id)
	} else {
		rec, err = cli.engine.Unlock(ctx, cli.sess, *id)
	}
	if err != nil {
		return err
	}
	cli.printRecord(rec)
	return nil
}

func (cli *commandLine) records(ctx context.Context, args []string) error {
	fs := cli.flagSet("records")
	kind := fs.String("kind", "", "attendance or assessment.")
	state := fs.String("state", "", "draft, exported or locked.")
	studentID := fs.String("student", "", "The student's id.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	var pred record.Predicate
	if *kind != "" {
		pred.Kinds = []record.Kind{record.Kind(*kind)}
	}
	if *state != "" {
		pred.States = []record.State{record.State(*state)}
	}
	if *studentID != "" {
		pred.StudentIDs = []string{*studentID}
	}
	recs, err := cli.engine.Query(ctx, cli.sess, pred)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTUDENT\tSTATE\tEDITS\tALLOWED")
	for _, rec := range recs {
		ops := cli.engine.Capabilities(cli.sess, rec)
		names := make([]string, len(ops))
		for i, op := range ops {
			names[i] = string(op)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Kind, rec.StudentID, rec.State, rec.EditCount, strings.Join(names, ","))
	}
	return w.Flush()
}

func (cli *commandLine) status(ctx context.Context, _ []string) error {
	queue, err := cli.coord.Status(ctx)
	if err != nil {
		return err
	}
	last, err := cli.coord.LastPull(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "last pull: %s\n", last)
	if len(queue) == 0 {
		fmt.Fprintln(cli.out, "nothing queued")
		return nil
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tOP\tRECORD\tSTATUS\tATTEMPTS\tERROR")
	for _, m := range queue {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", m.Seq, m.Op, m.RecordID, m.Status, m.Attempts, m.LastError)
	}
	return w.Flush()
}

func (cli *commandLine) conflicts(ctx context.Context, _ []string) error {
	cfs, err := cli.coord.Conflicts(ctx)
	if err != nil {
		return err
	}
	if len(cfs) == 0 {
		fmt.Fprintln(cli.out, "no conflicts")
		return nil
	}
	for _, cf := range cfs {
		fmt.Fprintf(cli.out, "%s %s refused (%s): %s; %d change(s) held\n", cf.Op, cf.RecordID, cf.Kind, cf.Reason, cf.Blocked)
		if cf.Diff != "" {
			fmt.Fprintln(cli.out, cf.Diff)
		}
	}
	return nil
}

func (cli *commandLine) resolve(ctx context.Context, args []string) error {
	fs := cli.flagSet("resolve")
	id := fs.String("id", "", "The record id.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}
	n, err := cli.coord.Resolve(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "discarded %d change(s) of %s\n", n, *id)
	return nil
}
