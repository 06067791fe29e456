package testutil

import (
	"io/ioutil"
	"log"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/progression"
	"github.com/trezcool/masomo-directory/core/roster"
	"github.com/trezcool/masomo-directory/services/logger"
)

var SeedTime = time.Date(2026, time.June, 30, 8, 0, 0, 0, time.UTC)

// NewConfig returns a config suitable for tests, without reading the environment.
func NewConfig() *core.Config {
	return &core.Config{
		Env:              "TEST",
		TestMode:         true,
		AppName:          "Masomo",
		SecretKey:        "test-secret",
		DefaultFromEmail: mail.Address{Name: "Masomo", Address: "noreply@masomo.test"},
		NotifyEmails:     []mail.Address{{Name: "Head", Address: "head@masomo.test"}},
		Server: core.ServerConfig{
			RequestTimeout:     5 * time.Second,
			JWTExpirationDelta: time.Hour,
		},
	}
}

// NewValidator returns a validator with every app validator registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	progression.InitValidators(validate, translator)
	return validate
}

// NewLogger returns a silent logger that never reports to Rollbar.
func NewLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(ioutil.Discard, "", 0), conf)
	logger.Enable(false)
	return logger
}

func Dependent(id string, level int, class string, guardianIDs ...string) roster.Dependent {
	return roster.Dependent{
		ID:          id,
		FirstName:   "Student",
		LastName:    id,
		Level:       strconv.Itoa(level),
		Class:       class,
		GuardianIDs: guardianIDs,
		CreatedAt:   SeedTime,
		UpdatedAt:   SeedTime,
	}
}

func Guardian(id, email string) roster.Guardian {
	return roster.Guardian{
		ID:        id,
		FirstName: "Guardian",
		LastName:  id,
		Email:     email,
		Phone:     "+243000000000",
		CreatedAt: SeedTime,
		UpdatedAt: SeedTime,
	}
}
