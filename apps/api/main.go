package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/apps/api/echo"
	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/progression"
	"github.com/trezcool/masomo-directory/core/roster"
	"github.com/trezcool/masomo-directory/services/email"
	"github.com/trezcool/masomo-directory/services/logger"
	"github.com/trezcool/masomo-directory/storage/database"
	"github.com/trezcool/masomo-directory/storage/database/inmem"
	"github.com/trezcool/masomo-directory/storage/database/sqlx"
)

// memoryEngine serves the API from the in-memory store; handy for demos, data is lost on exit.
const memoryEngine = "memory"

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up repositories
	rosterRepo, progressionRepo, closeDB, err := setUpRepositories(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = closeDB(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	progression.InitValidators(validate, translator)

	mailSvc := emailsvc.NewService(conf, logger)
	progressionSvc := progression.NewService(rosterRepo, progressionRepo, validate, mailSvc, logger, conf)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("dbEngine").Set(conf.Database.Engine)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:           conf,
			Logger:         logger,
			Translator:     translator,
			ProgressionSvc: progressionSvc,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

// setUpRepositories opens the configured store and returns its repositories with a closer.
func setUpRepositories(ctx context.Context, conf *core.Config) (
	roster.Repository, progression.Repository, func() error, error,
) {
	if conf.Database.Engine == memoryEngine {
		db := inmemdb.Open()
		return inmemdb.NewRosterRepository(db), inmemdb.NewProgressionRepository(db), func() error { return nil }, nil
	}

	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, nil, nil, errors.Wrap(err, "creating database")
	}
	db, err := database.Open(ctx, conf)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = database.Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return sqlxrepos.NewRosterRepository(db), sqlxrepos.NewProgressionRepository(db), db.Close, nil
}
