package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/progression"
	"github.com/trezcool/masomo-directory/services/email"
	"github.com/trezcool/masomo-directory/services/logger"
	"github.com/trezcool/masomo-directory/storage/database"
	"github.com/trezcool/masomo-directory/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	progression.InitValidators(validate, translator)

	// start CLI
	cli := commandLine{
		conf:       conf,
		db:         db.DB,
		translator: translator,
		progressionSvc: progression.NewService(
			sqlxrepos.NewRosterRepository(db),
			sqlxrepos.NewProgressionRepository(db),
			validate,
			emailsvc.NewService(conf, logger),
			logger,
			conf,
		),
		in:  os.Stdin,
		out: os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", describe(err, translator))
		}
		os.Exit(1)
	}
}
