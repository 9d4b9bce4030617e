package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	syncer "github.com/trezcool/rollcall/core/sync"
	"github.com/trezcool/rollcall/core/user"
	logsvc "github.com/trezcool/rollcall/services/logger"
	metricsvc "github.com/trezcool/rollcall/services/metrics"
	notifysvc "github.com/trezcool/rollcall/services/notify"
	"github.com/trezcool/rollcall/services/remoteclient"
	inmemdb "github.com/trezcool/rollcall/storage/database/inmem"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stderr, "CLIENT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)

	db, err := inmemdb.OpenFile(conf.Sync.SnapshotPath)
	if err != nil {
		logger.Fatal("opening local cache", err)
	}

	var notifier syncer.Notifier = notifysvc.NewConsoleNotifier(logger, 20)
	if conf.SendgridAPIKey != "" {
		notifier = notifysvc.NewSendgridNotifier(conf, notifier, logger)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	record.InitValidators(validate, translator)

	cli := commandLine{
		conf:       conf,
		db:         db,
		remote:     remoteclient.New(conf.Sync.RemoteURL, conf.Sync.PushTimeout),
		notifier:   notifier,
		validate:   validate,
		translator: translator,
		logger:     logger,
		metrics:    metricsvc.New("rollcall_client"),
		out:        os.Stdout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.run(ctx, os.Args); err != nil {
		if err != errHelp {
			logger.Error("command failed", err)
		}
		stop()
		os.Exit(1)
	}
}
