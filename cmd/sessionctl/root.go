package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/session-core/internal/app"
	"github.com/noah-isme/session-core/internal/models"
	"github.com/noah-isme/session-core/pkg/config"
	"github.com/noah-isme/session-core/pkg/database"
	"github.com/noah-isme/session-core/pkg/logger"
)

// sessionOps is the part of the lifecycle service the CLI drives.
type sessionOps interface {
	ListSessions(ctx context.Context, userID string) ([]models.SessionInfo, error)
	RevokeAllSessions(ctx context.Context, userID string) (int64, error)
	Cleanup(ctx context.Context) (int64, error)
}

// environment opens the real dependencies; tests swap it for fakes.
type environment struct {
	loadConfig func(path string) (*config.Config, error)
	open       func(ctx context.Context, cfg *config.Config, log *zap.Logger) (sessionOps, func(), error)
	migrate    func(ctx context.Context, cfg *config.Config) error
	newLogger  func(cfg *config.Config) (*zap.Logger, error)
}

func defaultEnvironment() *environment {
	return &environment{
		loadConfig: config.LoadFile,
		open:       openLifecycle,
		migrate:    migrateDatabase,
		newLogger:  logger.New,
	}
}

type cliState struct {
	env     *environment
	envFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd(env *environment) *cobra.Command {
	state := &cliState{env: env}

	root := &cobra.Command{
		Use:          "sessionctl",
		Short:        "Operate the refresh token session store",
		Long:         `sessionctl applies schema migrations, purges stale sessions and inspects or revokes a user's sessions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.env.loadConfig(state.envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			log, err := state.env.newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			state.cfg = cfg
			state.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.log != nil {
				_ = state.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&state.envFile, "env-file", "e", ".env", "dotenv file with session-core settings")

	root.AddCommand(newMigrateCmd(state), newPurgeCmd(state), newSessionsCmd(state))
	return root
}

func openLifecycle(ctx context.Context, cfg *config.Config, log *zap.Logger) (sessionOps, func(), error) {
	res, err := app.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	codec, err := app.NewCodec(cfg)
	if err != nil {
		res.Close()
		return nil, nil, err
	}

	audit := res.NewAuditService(cfg)
	audit.Start(context.Background())
	lifecycle := res.NewLifecycle(cfg, codec, audit, nil)

	closeFn := func() {
		audit.Stop()
		res.Close()
	}
	return lifecycle, closeFn, nil
}

func migrateDatabase(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	return database.Migrate(ctx, db.DB)
}
