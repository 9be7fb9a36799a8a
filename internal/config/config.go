package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "RASTEL"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "rastel.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "rastel-api"
	defaultTokenExpiry       = 72 * time.Hour
	defaultRenewWindow       = 3 * time.Hour
	defaultLoginDelayMin     = 500 * time.Millisecond
	defaultLoginDelayMax     = time.Second
	defaultResolution        = time.Minute
	defaultCoordinateScale   = 1000
	defaultAgeGate           = 14 * 24 * time.Hour
	defaultInfectiousPeriod  = 14 * 24 * time.Hour
	defaultProcessingDelay   = 15 * time.Minute
	defaultQuarantinePeriod  = 7 * 24 * time.Hour
	defaultCloseContactMin   = time.Minute
	defaultCloseContactMax   = 6 * time.Minute
	defaultSMTPPort          = 587
	defaultMailFrom          = "noreply@rastel.invalid"
	defaultMailSubject       = "Rastel COVID-19 Contact Alert"
	defaultMailDateLayout    = time.RFC1123Z
	defaultClientDatabase    = "rastel-client.db"
	defaultClientAPIEndpoint = "http://localhost:8080"
)

// AppConfig captures runtime configuration for the API server and the batch processor.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	SigningSecret  string
	PrivateKeyPath string
	PublicKeyPath  string
	TokenIssuer    string
	TokenExpiry    time.Duration
	RenewWindow    time.Duration
	LoginDelayMin  time.Duration
	LoginDelayMax  time.Duration

	RequireVerification bool

	Tracing TracingConfig
	Mail    MailConfig
}

// TracingConfig holds the contact-tracing constants. Changing Resolution or CoordinateScale
// invalidates previously stored samples.
type TracingConfig struct {
	Resolution        time.Duration
	CoordinateScale   int
	AgeGate           time.Duration
	InfectiousPeriod  time.Duration
	ProcessingDelay   time.Duration
	DefaultQuarantine time.Duration
	CloseContactMin   time.Duration
	CloseContactMax   time.Duration
}

// ResolutionSeconds returns the quantization step in whole seconds.
func (t TracingConfig) ResolutionSeconds() int64 {
	return int64(t.Resolution / time.Second)
}

// MailConfig describes outbound notification mail.
type MailConfig struct {
	SMTPHost   string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	Subject    string
	DateLayout string
}

// ClientConfig captures configuration for the command-line client.
type ClientConfig struct {
	APIEndpoint     string
	DatabasePath    string
	LogLevel        string
	Email           string
	Password        string
	Timezone        string
	Resolution      time.Duration
	CoordinateScale int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_expiry", defaultTokenExpiry)
	configViper.SetDefault("auth.renew_window", defaultRenewWindow)
	configViper.SetDefault("auth.login_delay_min", defaultLoginDelayMin)
	configViper.SetDefault("auth.login_delay_max", defaultLoginDelayMax)
	configViper.SetDefault("users.require_verification", false)

	configViper.SetDefault("tracing.resolution", defaultResolution)
	configViper.SetDefault("tracing.coordinate_scale", defaultCoordinateScale)
	configViper.SetDefault("tracing.age_gate", defaultAgeGate)
	configViper.SetDefault("tracing.infectious_period", defaultInfectiousPeriod)
	configViper.SetDefault("tracing.processing_delay", defaultProcessingDelay)
	configViper.SetDefault("tracing.default_quarantine", defaultQuarantinePeriod)
	configViper.SetDefault("tracing.close_contact_min", defaultCloseContactMin)
	configViper.SetDefault("tracing.close_contact_max", defaultCloseContactMax)

	configViper.SetDefault("mail.smtp_port", defaultSMTPPort)
	configViper.SetDefault("mail.from", defaultMailFrom)
	configViper.SetDefault("mail.subject", defaultMailSubject)
	configViper.SetDefault("mail.date_layout", defaultMailDateLayout)

	configViper.SetDefault("client.api_endpoint", defaultClientAPIEndpoint)
	configViper.SetDefault("client.database_path", defaultClientDatabase)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		PrivateKeyPath:      configViper.GetString("auth.private_key_path"),
		PublicKeyPath:       configViper.GetString("auth.public_key_path"),
		TokenIssuer:         configViper.GetString("auth.issuer"),
		TokenExpiry:         configViper.GetDuration("auth.token_expiry"),
		RenewWindow:         configViper.GetDuration("auth.renew_window"),
		LoginDelayMin:       configViper.GetDuration("auth.login_delay_min"),
		LoginDelayMax:       configViper.GetDuration("auth.login_delay_max"),
		RequireVerification: configViper.GetBool("users.require_verification"),
		Tracing:             loadTracing(configViper),
		Mail: MailConfig{
			SMTPHost:   configViper.GetString("mail.smtp_host"),
			SMTPPort:   configViper.GetInt("mail.smtp_port"),
			Username:   configViper.GetString("mail.username"),
			Password:   configViper.GetString("mail.password"),
			From:       configViper.GetString("mail.from"),
			Subject:    configViper.GetString("mail.subject"),
			DateLayout: configViper.GetString("mail.date_layout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the command-line client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIEndpoint:     configViper.GetString("client.api_endpoint"),
		DatabasePath:    configViper.GetString("client.database_path"),
		LogLevel:        configViper.GetString("log.level"),
		Email:           configViper.GetString("client.email"),
		Password:        configViper.GetString("client.password"),
		Timezone:        configViper.GetString("client.timezone"),
		Resolution:      configViper.GetDuration("tracing.resolution"),
		CoordinateScale: configViper.GetInt("tracing.coordinate_scale"),
	}
	if strings.TrimSpace(cfg.APIEndpoint) == "" {
		return ClientConfig{}, fmt.Errorf("client.api_endpoint is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ClientConfig{}, fmt.Errorf("client.database_path is required")
	}
	if cfg.Resolution < time.Second {
		return ClientConfig{}, fmt.Errorf("tracing.resolution must be at least one second")
	}
	if cfg.CoordinateScale <= 0 {
		return ClientConfig{}, fmt.Errorf("tracing.coordinate_scale must be positive")
	}
	return cfg, nil
}

func loadTracing(configViper *viper.Viper) TracingConfig {
	return TracingConfig{
		Resolution:        configViper.GetDuration("tracing.resolution"),
		CoordinateScale:   configViper.GetInt("tracing.coordinate_scale"),
		AgeGate:           configViper.GetDuration("tracing.age_gate"),
		InfectiousPeriod:  configViper.GetDuration("tracing.infectious_period"),
		ProcessingDelay:   configViper.GetDuration("tracing.processing_delay"),
		DefaultQuarantine: configViper.GetDuration("tracing.default_quarantine"),
		CloseContactMin:   configViper.GetDuration("tracing.close_contact_min"),
		CloseContactMax:   configViper.GetDuration("tracing.close_contact_max"),
	}
}

func (c AppConfig) validate() error {
	hasKeyFiles := strings.TrimSpace(c.PrivateKeyPath) != "" || strings.TrimSpace(c.PublicKeyPath) != ""
	if strings.TrimSpace(c.SigningSecret) == "" && !hasKeyFiles {
		return fmt.Errorf("auth.signing_secret or auth.private_key_path/auth.public_key_path is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RenewWindow >= c.TokenExpiry {
		return fmt.Errorf("auth.renew_window must be shorter than auth.token_expiry")
	}
	if c.LoginDelayMax < c.LoginDelayMin {
		return fmt.Errorf("auth.login_delay_max must not be below auth.login_delay_min")
	}
	if c.Tracing.Resolution < time.Second || c.Tracing.Resolution%time.Second != 0 {
		return fmt.Errorf("tracing.resolution must be a whole number of seconds")
	}
	if c.Tracing.CoordinateScale <= 0 {
		return fmt.Errorf("tracing.coordinate_scale must be positive")
	}
	if c.Tracing.CloseContactMax < c.Tracing.CloseContactMin {
		return fmt.Errorf("tracing.close_contact_max must not be below tracing.close_contact_min")
	}
	return nil
}
