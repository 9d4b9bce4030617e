package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"time"

	"github.com/pkg/errors"

	dig_container "github.com/trezcool/rollcall/apps/api/di/dig"
	echoapi "github.com/trezcool/rollcall/apps/api/echo"
	"github.com/trezcool/rollcall/core"
	metricsvc "github.com/trezcool/rollcall/services/metrics"
)

func main() {
	c := dig_container.New()

	err := c.Invoke(func(
		conf *core.Config,
		apiLogger core.Logger,
		dbLoggerParam dig_container.DBLoggerParam,
		storeParam dig_container.StoreCloserParam,
		metrics *metricsvc.Metrics,
		server *echoapi.Server,
	) error {
		apiLogger.Info("record store starting", map[string]interface{}{
			"build": conf.Build, "env": conf.Env, "store": conf.Store, "address": conf.Server.Address,
		})
		defer apiLogger.Info("record store stopped")
		defer func() {
			if err := storeParam.Closer.Close(); err != nil {
				dbLoggerParam.Logger.Error("closing the "+conf.Store+" store", err)
			}
		}()

		debug := debugServer(conf, metrics)
		go func() {
			if err := debug.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				apiLogger.Error("debug server closed", err, map[string]interface{}{"address": conf.Server.DebugAddress})
			}
		}()
		defer debug.Close()

		go server.Start()
		return waitForShutdown(conf, apiLogger, server)
	})
	if err != nil {
		log.Fatal(err)
	}
}

// debugServer exposes the build info under /debug/vars and the record store
// counters under /debug/metrics, away from the public address.
func debugServer(conf *core.Config, metrics *metricsvc.Metrics) *http.Server {
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("store").Set(conf.Store)
	started := time.Now().UTC()
	expvar.Publish("uptime", expvar.Func(func() interface{} { return time.Since(started).String() }))

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/debug/metrics", metrics.Handler())
	return &http.Server{Addr: conf.Server.DebugAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// waitForShutdown blocks until the server fails or is asked to stop, then
// drains outstanding requests within the shutdown timeout.
func waitForShutdown(conf *core.Config, logger core.Logger, server *echoapi.Server) error {
	select {
	case err := <-server.Errors():
		return errors.Wrap(err, "serving records")

	case sig := <-server.ShutdownSignal():
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String(), "timeout": conf.Server.ShutdownTimeout})

		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("could not stop gracefully", err)
			if err = server.Close(); err != nil {
				return errors.Wrap(err, "forcing the server to stop")
			}
		}
		return nil
	}
}
