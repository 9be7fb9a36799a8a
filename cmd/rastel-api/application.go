package main

import (
	"database/sql"
	"fmt"

	"github.com/Beacon515L/Rastel/internal/auth"
	"github.com/Beacon515L/Rastel/internal/batch"
	"github.com/Beacon515L/Rastel/internal/config"
	"github.com/Beacon515L/Rastel/internal/coordinates"
	"github.com/Beacon515L/Rastel/internal/correlation"
	"github.com/Beacon515L/Rastel/internal/database"
	"github.com/Beacon515L/Rastel/internal/locations"
	"github.com/Beacon515L/Rastel/internal/mail"
	"github.com/Beacon515L/Rastel/internal/notify"
	"github.com/Beacon515L/Rastel/internal/testreports"
	"github.com/Beacon515L/Rastel/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the services shared by every subcommand.
type application struct {
	db        *gorm.DB
	sqlDB     *sql.DB
	tokens    *auth.Authority
	users     *users.Service
	locations *locations.Service
	tests     *testreports.Service
}

func buildApplication(cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app := &application{db: db, sqlDB: sqlDB}

	keys, err := auth.LoadSigningKeys(cfg.SigningSecret, cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.tokens, err = auth.NewAuthority(auth.AuthorityConfig{
		Keys:        keys,
		Issuer:      cfg.TokenIssuer,
		Expiry:      cfg.TokenExpiry,
		RenewWindow: cfg.RenewWindow,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.users, err = users.NewService(users.ServiceConfig{
		Database:            db,
		IDProvider:          users.NewUUIDProvider(),
		RequireVerification: cfg.RequireVerification,
		LoginDelayMin:       cfg.LoginDelayMin,
		LoginDelayMax:       cfg.LoginDelayMax,
		Logger:              logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	codec, err := coordinates.NewCodec(cfg.Tracing.CoordinateScale)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("coordinate codec: %w", err)
	}
	app.locations, err = locations.NewService(locations.ServiceConfig{
		Database:   db,
		Codec:      codec,
		Resolution: cfg.Tracing.Resolution,
		AgeGate:    cfg.Tracing.AgeGate,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.tests, err = testreports.NewService(testreports.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// orchestrator wires the batch pipeline on top of the shared services.
func (a *application) orchestrator(cfg config.AppConfig, logger *zap.Logger) (*batch.Orchestrator, error) {
	engine, err := correlation.NewEngine(correlation.EngineConfig{
		Database:          a.db,
		Resolution:        cfg.Tracing.Resolution,
		ProcessingDelay:   cfg.Tracing.ProcessingDelay,
		InfectiousPeriod:  cfg.Tracing.InfectiousPeriod,
		DefaultQuarantine: cfg.Tracing.DefaultQuarantine,
		CloseContactMin:   cfg.Tracing.CloseContactMin,
		CloseContactMax:   cfg.Tracing.CloseContactMax,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	store, err := notify.NewGormStore(a.db)
	if err != nil {
		return nil, err
	}
	composer, err := notify.NewComposer(notify.MessageConfig{
		Subject:    cfg.Mail.Subject,
		DateLayout: cfg.Mail.DateLayout,
	})
	if err != nil {
		return nil, err
	}
	mailer, err := newMailer(cfg.Mail, logger)
	if err != nil {
		return nil, err
	}
	batcher, err := notify.NewBatcher(notify.BatcherConfig{
		Candidates: engine,
		Store:      store,
		Mailer:     mailer,
		Composer:   composer,
		Resolution: cfg.Tracing.Resolution,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return batch.NewOrchestrator(batch.Config{
		Samples:         a.locations,
		Engine:          engine,
		Notifier:        batcher,
		ProcessingDelay: cfg.Tracing.ProcessingDelay,
		Retention:       cfg.Tracing.InfectiousPeriod,
		Logger:          logger,
	})
}

func newMailer(cfg config.MailConfig, logger *zap.Logger) (mail.Mailer, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("no smtp host configured, notifications will only be logged")
		return mail.NewLogMailer(logger), nil
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		XMailer:  "rastel",
	})
}

func (a *application) Close() {
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}
