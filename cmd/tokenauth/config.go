package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction

	defaultLoginMaxAttempts = 5
	defaultLoginCooldown    = 15 * time.Minute

	RefreshStorePostgres = "postgres"
	RefreshStoreRedis    = "redis"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Settings of JWT access tokens and refresh tokens issued with them
// No defaults: every setting has to be configured explicitly
type JWTConfig struct {
	// HMAC key to sign access tokens. Use 'gensecret' to generate one
	Secret string `validate:"required,min=32"`

	Issuer   string `validate:"required"`
	Audience string `validate:"required"`

	AccessTokenExpirationInMinutes int `validate:"gt=0"`
	RefreshTokenExpirationInDays   int `validate:"gt=0"`
}

func (c JWTConfig) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenExpirationInMinutes) * time.Minute
}

func (c JWTConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenExpirationInDays) * 24 * time.Hour
}

type Config struct {
	// Default logging level
	LogLevel string `validate:"oneof=debug info warn error"`

	// Address on which the service will be run
	ListenAddr string `validate:"required,hostname_port"`

	// Database to connect to
	DatabaseDSN string `validate:"required"`

	// Environment: 'dev' or 'prod'
	Environment string `validate:"oneof=dev prod"`

	// Redis address. Enables login rate limiter if set
	RedisAddr string `validate:"required_if=RefreshStore redis"`

	// Where refresh tokens are stored: 'postgres' or 'redis'
	RefreshStore string `validate:"oneof=postgres redis"`

	// Set 'Secure' attribute to refresh token cookie
	// Disable for local development over plain HTTP only
	CookieSecure bool

	// Failed logins allowed per LoginCooldown window
	LoginMaxAttempts int           `validate:"gte=0"`
	LoginCooldown    time.Duration `validate:"gte=0"`

	JWT JWTConfig
}

func NewConfig() *Config {
	return &Config{
		LogLevel:         defaultLoggingLevel,
		ListenAddr:       defaultListenAddr,
		Environment:      defaultEnvironment,
		RefreshStore:     RefreshStorePostgres,
		CookieSecure:     true,
		LoginMaxAttempts: defaultLoginMaxAttempts,
		LoginCooldown:    defaultLoginCooldown,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

// Load variables from environment; empty values are skipped
func (c *Config) LoadEnv(getenv func(string) string) error {
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			*o = value
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) (err error) {
			*o, err = strconv.Atoi(value)
			return err
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) (err error) {
			*o, err = strconv.ParseBool(value)
			return err
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) (err error) {
			*o, err = time.ParseDuration(value)
			return err
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":        setString(&c.ListenAddr),
		"DATABASE_URI":       setString(&c.DatabaseDSN),
		"LOG_LEVEL":          setString(&c.LogLevel),
		"ENVIRONMENT":        setString(&c.Environment),
		"REDIS_ADDR":         setString(&c.RedisAddr),
		"REFRESH_STORE":      setString(&c.RefreshStore),
		"COOKIE_SECURE":      setBool(&c.CookieSecure),
		"LOGIN_MAX_ATTEMPTS": setInt(&c.LoginMaxAttempts),
		"LOGIN_COOLDOWN":     setDuration(&c.LoginCooldown),

		"JWT_SECRET":                             setString(&c.JWT.Secret),
		"JWT_ISSUER":                             setString(&c.JWT.Issuer),
		"JWT_AUDIENCE":                           setString(&c.JWT.Audience),
		"JWT_ACCESS_TOKEN_EXPIRATION_IN_MINUTES": setInt(&c.JWT.AccessTokenExpirationInMinutes),
		"JWT_REFRESH_TOKEN_EXPIRATION_IN_DAYS":   setInt(&c.JWT.RefreshTokenExpirationInDays),
	}

	var errs []error
	for key, parseFn := range envMap {
		value := getenv(key)
		if value == "" {
			continue
		}
		if err := parseFn(value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("tokenauth", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address")
	fs.StringVar(&c.RefreshStore, "refresh-store", c.RefreshStore, "Refresh tokens storage (postgres, redis)")
	fs.BoolVar(&c.CookieSecure, "cookie-secure", c.CookieSecure, "Set Secure attribute to refresh token cookie")
	fs.IntVar(&c.LoginMaxAttempts, "login-max-attempts", c.LoginMaxAttempts, "Failed logins allowed per cooldown window")
	fs.DurationVar(&c.LoginCooldown, "login-cooldown", c.LoginCooldown, "Failed logins window")

	fs.StringVarP(&c.JWT.Secret, "jwt-secret", "s", c.JWT.Secret, "Secret key to sign access tokens, at least 32 bytes")
	fs.StringVar(&c.JWT.Issuer, "jwt-issuer", c.JWT.Issuer, "Access token issuer")
	fs.StringVar(&c.JWT.Audience, "jwt-audience", c.JWT.Audience, "Access token audience")
	fs.IntVar(&c.JWT.AccessTokenExpirationInMinutes, "access-token-expiration", c.JWT.AccessTokenExpirationInMinutes, "Access token lifetime in minutes")
	fs.IntVar(&c.JWT.RefreshTokenExpirationInDays, "refresh-token-expiration", c.JWT.RefreshTokenExpirationInDays, "Refresh token lifetime in days")

	return fs.Parse(args)
}

// Validate config; service must not start with invalid one
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrConfigurationInvalid, err)
	}
	return nil
}
