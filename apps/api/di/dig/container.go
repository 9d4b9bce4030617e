package dig_container

import (
	"fmt"
	"io"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
	logsvc "github.com/trezcool/rollcall/services/logger"
	metricsvc "github.com/trezcool/rollcall/services/metrics"
	redisdocs "github.com/trezcool/rollcall/storage/cache/redis"
	"github.com/trezcool/rollcall/storage/database"
	"github.com/trezcool/rollcall/storage/database/inmem"
	sqlxrepos "github.com/trezcool/rollcall/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

// Stores are the repositories of the configured backend.
type Stores struct {
	dig.Out
	Users    user.Repository
	Students student.Repository
	Docs     remote.DocumentStore
	Closer   io.Closer `name:"storeCloser"`
}

type StoreCloserParam struct {
	dig.In
	Closer io.Closer `name:"storeCloser"`
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	record.InitValidators(validate, translator)
	return validate, translator
}

func openSQL(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}
	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}
	if err = database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// newStores opens the backend named by conf.Store. Accounts and students live
// in postgres for both the postgres and the redis backends.
func newStores(conf *core.Config, loggerParam DBLoggerParam) Stores {
	logger := loggerParam.Logger

	switch conf.Store {
	case core.StorePostgres, core.StoreRedis:
		db, err := openSQL(conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
		}
		stores := Stores{
			Users:    sqlxrepos.NewUserRepository(db),
			Students: sqlxrepos.NewStudentRepository(db),
			Docs:     sqlxrepos.NewDocumentStore(db),
			Closer:   db,
		}
		if conf.Store == core.StoreRedis {
			client := redisdocs.NewClient(conf.Redis)
			stores.Docs = redisdocs.NewDocumentStore(client, conf.Redis.KeyPrefix)
			stores.Closer = closers{db, client}
		}
		return stores

	default:
		if conf.Store != core.StoreMemory {
			logger.Warn(fmt.Sprintf("unknown store %q: using memory", conf.Store))
		}
		logger.Warn("memory store: records are lost on exit")
		db := inmemdb.Open()
		return Stores{
			Users:    inmemdb.NewUserRepository(db),
			Students: inmemdb.NewStudentRepository(db),
			Docs:     inmemdb.NewDocumentStore(db),
			Closer:   closers{},
		}
	}
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newMetrics() *metricsvc.Metrics {
	return metricsvc.New("rollcall")
}

func newRecordService(docs remote.DocumentStore, students student.Repository, logger core.Logger, metrics *metricsvc.Metrics) *remote.Service {
	return remote.NewService(docs, students, logger, metrics)
}

func newServer(
	conf *core.Config,
	logger core.Logger,
	validate *validator.Validate,
	translator ut.Translator,
	usrSvc *user.Service,
	studentSvc *student.Service,
	recordSvc *remote.Service,
	metrics *metricsvc.Metrics,
) *echoapi.Server {
	return echoapi.NewServer(&echoapi.Options{
		Conf:       conf,
		Logger:     logger,
		Validate:   validate,
		Translator: translator,
		UserSvc:    usrSvc,
		StudentSvc: studentSvc,
		RecordSvc:  recordSvc,
		Metrics:    metrics,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newValidator))
	must(c.Provide(newStores))
	must(c.Provide(newMetrics))
	must(c.Provide(user.NewService))
	must(c.Provide(student.NewService))
	must(c.Provide(newRecordService))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
