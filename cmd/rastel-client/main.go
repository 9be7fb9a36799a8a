package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Beacon515L/Rastel/internal/client"
	"github.com/Beacon515L/Rastel/internal/config"
	"github.com/Beacon515L/Rastel/internal/coordinates"
	"github.com/Beacon515L/Rastel/internal/database"
	"github.com/Beacon515L/Rastel/internal/logging"
	"github.com/Beacon515L/Rastel/internal/testreports"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rastel-client",
		Short:         "Record locations locally and synchronise them with a Rastel server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(
		registerCommand(),
		loginCommand(),
		updateCommand(),
		recordCommand(),
		syncCommand(),
		pullCommand(),
		testCommand(),
		testsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-endpoint", defaults.GetString("client.api_endpoint"), "Rastel server base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("client.database_path"), "Local SQLite cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("email", "", "Account email")
	cmd.PersistentFlags().String("password", "", "Account password")
	cmd.PersistentFlags().String("timezone", "UTC", "Account IANA timezone")

	bindFlag(cmd, "client.api_endpoint", "api-endpoint")
	bindFlag(cmd, "client.database_path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "client.email", "email")
	bindFlag(cmd, "client.password", "password")
	bindFlag(cmd, "client.timezone", "timezone")
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

// session is an opened local cache plus an API client bound to it.
type session struct {
	cfg    config.ClientConfig
	cache  *client.GormCache
	api    *client.API
	logger *zap.Logger
	close  func()
}

func openSession() (*session, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "client")
	if err != nil {
		return nil, err
	}
	db, err := database.OpenClientSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	cache, err := client.NewGormCache(db)
	if err != nil {
		closeAll()
		return nil, err
	}
	codec, err := coordinates.NewCodec(cfg.CoordinateScale)
	if err != nil {
		closeAll()
		return nil, err
	}
	reconciler, err := client.NewReconciler(client.ReconcilerConfig{
		Cache:      cache,
		Codec:      codec,
		Resolution: cfg.Resolution,
		Logger:     logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	api, err := client.NewAPI(client.APIConfig{
		BaseURL:    cfg.APIEndpoint,
		Cache:      cache,
		Tokens:     cache,
		Reconciler: reconciler,
		Logger:     logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	return &session{cfg: cfg, cache: cache, api: api, logger: logger, close: closeAll}, nil
}

func withSession(run func(ctx context.Context, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()
		return run(cmd.Context(), s)
	}
}

func registerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account with --email, --password and --timezone",
		RunE: withSession(func(ctx context.Context, s *session) error {
			id, err := s.api.Register(ctx, s.cfg.Email, s.cfg.Password, s.cfg.Timezone)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (%s)\n", s.cfg.Email, id)
			return nil
		}),
	}
}

func loginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Obtain and store a bearer token",
		RunE: withSession(func(ctx context.Context, s *session) error {
			if err := s.api.Login(ctx, s.cfg.Email, s.cfg.Password); err != nil {
				return err
			}
			fmt.Println("logged in")
			return nil
		}),
	}
}

func updateCommand() *cobra.Command {
	var oldPassword string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace the account's email, password and timezone",
		RunE: withSession(func(ctx context.Context, s *session) error {
			user, err := s.api.UpdateUser(ctx, client.UserUpdate{
				Email:       s.cfg.Email,
				Password:    s.cfg.Password,
				OldPassword: oldPassword,
				Timezone:    s.cfg.Timezone,
			})
			if err != nil {
				return err
			}
			fmt.Printf("updated %s (%s)\n", user.Email, user.Timezone)
			return nil
		}),
	}
	cmd.Flags().StringVar(&oldPassword, "old-password", "", "Current password")
	return cmd
}

func recordCommand() *cobra.Command {
	var (
		lat, long float64
		at        int64
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Store a location sample locally until the next sync",
		RunE: withSession(func(ctx context.Context, s *session) error {
			if at == 0 {
				at = time.Now().Unix()
			}
			if err := s.cache.Record(ctx, lat, long, at); err != nil {
				return err
			}
			s.logger.Info("location recorded", zap.Int64("time", at))
			return nil
		}),
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude in degrees")
	cmd.Flags().Float64Var(&long, "long", 0, "Longitude in degrees")
	cmd.Flags().Int64Var(&at, "time", 0, "Epoch seconds on this device's clock (defaults to now)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("long")
	return cmd
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload pending samples and reconcile the server's answer",
		RunE: withSession(func(ctx context.Context, s *session) error {
			result, err := s.api.Upload(ctx)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		}),
	}
}

func pullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch the server's log and reconcile it into the local cache",
		RunE: withSession(func(ctx context.Context, s *session) error {
			result, err := s.api.Pull(ctx)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		}),
	}
}

func testCommand() *cobra.Command {
	var (
		testType         int
		positive         bool
		taken, received  int64
		leavingIsolation int64
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Report a test result",
		RunE: withSession(func(ctx context.Context, s *session) error {
			input := testreports.Input{
				Type:               &testType,
				Positive:           positive,
				TimeTaken:          &taken,
				TimeResultReceived: &received,
			}
			if leavingIsolation != 0 {
				input.TimeLeavingIsolation = &leavingIsolation
			}
			report, err := s.api.RecordTest(ctx, input)
			if err != nil {
				return err
			}
			fmt.Printf("recorded test taken at %d (positive=%t)\n", report.TimeTaken, report.Positive)
			return nil
		}),
	}
	cmd.Flags().IntVar(&testType, "type", testreports.MinType, "Test type code")
	cmd.Flags().BoolVar(&positive, "positive", false, "Result was positive")
	cmd.Flags().Int64Var(&taken, "taken", 0, "Epoch seconds the test was taken")
	cmd.Flags().Int64Var(&received, "received", 0, "Epoch seconds the result arrived")
	cmd.Flags().Int64Var(&leavingIsolation, "leaving-isolation", 0, "Epoch seconds isolation ends")
	_ = cmd.MarkFlagRequired("taken")
	_ = cmd.MarkFlagRequired("received")
	return cmd
}

func testsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tests",
		Short: "List reported test results",
		RunE: withSession(func(ctx context.Context, s *session) error {
			reports, err := s.api.Tests(ctx)
			if err != nil {
				return err
			}
			for _, report := range reports {
				fmt.Printf("type=%d positive=%t taken=%d received=%d\n", report.Type, report.Positive, report.TimeTaken, report.TimeResultReceived)
			}
			return nil
		}),
	}
}

func printResult(result client.Result) {
	for _, entry := range result.Merged {
		fmt.Printf("%d\t%.5f\t%.5f\t%s\n", entry.Time, entry.Lat, entry.Long, entry.Status)
	}
	fmt.Printf("%d entries changed\n", result.Changed)
}
