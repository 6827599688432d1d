package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/db"
	"github.com/nkiryanov/tokenauth/internal/logger"
	"github.com/nkiryanov/tokenauth/internal/repository/postgres"
	"github.com/nkiryanov/tokenauth/internal/service/user"
)

// Operator tool to create user. There is no self registration
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// .env is optional
	_ = godotenv.Load()

	if err := run(ctx, os.Getenv, os.Args[1:]); err != nil {
		slog.Error("can't create user", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, getenv func(string) string, args []string) error {
	var (
		dsn     = getenv("DATABASE_URI")
		newUser = user.NewUser{Password: getenv("CREATEUSER_PASSWORD")}
	)

	fs := pflag.NewFlagSet("createuser", pflag.ContinueOnError)
	fs.StringVarP(&dsn, "database", "d", dsn, "Database connection string")
	fs.StringVarP(&newUser.Username, "username", "u", "", "Username")
	fs.StringVar(&newUser.Email, "email", "", "Email, optional")
	fs.StringSliceVar(&newUser.Roles, "roles", nil, "Comma separated user roles")
	fs.StringVarP(&newUser.Password, "password", "p", newUser.Password, "Password; prefer CREATEUSER_PASSWORD env to keep it out of shell history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if dsn == "" {
		return fmt.Errorf("%w: database connection string required", apperrors.ErrConfigurationInvalid)
	}

	log, err := logger.NewTextLogger(logger.LevelInfo)
	if err != nil {
		return err
	}

	pool, err := db.ConnectAndMigrate(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	storage := postgres.NewStorage(pool)
	_, err = user.NewService(nil, storage.User(), log).CreateUser(ctx, newUser)
	if errors.Is(err, apperrors.ErrUserAlreadyExists) {
		return fmt.Errorf("user %q or email %q is taken: %w", newUser.Username, newUser.Email, err)
	}
	return err
}
