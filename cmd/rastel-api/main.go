package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/Beacon515L/Rastel/internal/batch"
	"github.com/Beacon515L/Rastel/internal/config"
	"github.com/Beacon515L/Rastel/internal/logging"
	"github.com/Beacon515L/Rastel/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rastel-api",
		Short:         "Rastel contact-tracing server and batch processor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "batch",
		Short: "Prune, correlate, flag and notify once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "verify <email>",
		Short: "Mark an account as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), args[0])
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var stageErr *batch.StageError
		if errors.As(err, &stageErr) {
			os.Exit(stageErr.ExitCode())
		}
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "HMAC token signing secret (overrides env)")
	cmd.PersistentFlags().String("private-key-path", "", "PEM RSA private key for token signing")
	cmd.PersistentFlags().String("public-key-path", "", "PEM RSA public key for token validation")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins; empty allows any")
	cmd.PersistentFlags().Bool("require-verification", defaults.GetBool("users.require_verification"), "Only verified accounts may log in")
	cmd.PersistentFlags().String("smtp-host", "", "SMTP relay host; notifications are only logged when empty")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.private_key_path", "private-key-path")
	bindFlag(cmd, "auth.public_key_path", "public-key-path")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "users.require_verification", "require-verification")
	bindFlag(cmd, "mail.smtp_host", "smtp-host")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, "api")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         app.tokens,
		Users:          app.users,
		Locations:      app.locations,
		Tests:          app.tests,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runBatch(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, "batch")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	orchestrator, err := app.orchestrator(appConfig, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := orchestrator.Run(signalCtx)
	if err != nil {
		return err
	}
	if report.Skipped {
		logger.Info("batch skipped, correlation ran recently")
	}
	return nil
}

func runVerify(ctx context.Context, email string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, "admin")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.users.MarkVerified(ctx, email); err != nil {
		return err
	}
	logger.Info("account verified", zap.String("email", email))
	return nil
}
