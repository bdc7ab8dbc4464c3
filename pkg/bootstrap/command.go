package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/logging"
)

// Service is the lifecycle every switchboard binary runs under "serve".
type Service interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type ServiceFactory func(cfg *config.Config, log logger.Logger) Service

// NewRootCommand builds the cobra tree shared by the services: serve (the
// default) and migrate.
func NewRootCommand(serviceName, short string, newService ServiceFactory) *cobra.Command {
	var configFile string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start " + serviceName,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), serviceName, configFile, newService)
		},
	}

	root := &cobra.Command{
		Use:          serviceName,
		Short:        short,
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (falls back to CONFIG_FILE)")
	root.AddCommand(serveCmd, migrateCommand(serviceName, &configFile))
	return root
}

func loadConfig(serviceName, configFile string) (*config.Config, logger.Logger, error) {
	early := logging.NewEarlyLog(serviceName)
	defer early.Sync()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile == "" {
		early.Errorw("Config file is required", "hint", "use --config or CONFIG_FILE")
		return nil, nil, errors.New("config file is required")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		early.Errorw("Failed to load config", "config_file", configFile, "error", err)
		return nil, nil, err
	}

	log, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		early.Errorw("Failed to init logger", "level", cfg.Logging.Level, "error", err)
		return nil, nil, err
	}
	if sugared, ok := log.(*logger.SugaredLogger); ok {
		sugared.SetServiceName(serviceName)
	}
	return cfg, log, nil
}

func runService(parent context.Context, serviceName, configFile string, newService ServiceFactory) error {
	cfg, log, err := loadConfig(serviceName, configFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(logging.WithServiceName(parent, serviceName), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.InfowCtx(ctx, "Starting service", "broker", cfg.Broker.Type)

	svc := newService(cfg, log)
	if err := svc.Initialize(ctx); err != nil {
		log.ErrorwCtx(ctx, "Failed to initialize service", "error", err)
		if shutdownErr := svc.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			log.ErrorwCtx(ctx, "Shutdown after failed start", "error", shutdownErr)
		}
		return err
	}
	defer func() {
		if err := svc.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.ErrorwCtx(ctx, "Shutdown failed", "error", err)
		}
	}()

	log.InfowCtx(ctx, "Service running")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.ErrorwCtx(ctx, "Service stopped with error", "error", err)
		return err
	}
	log.InfowCtx(ctx, "Service shutdown complete")
	return nil
}

func migrateCommand(serviceName string, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres migrations and MongoDB flow indexes, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(serviceName, *configFile)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg.Database.RunMigrations = true
			dc := NewDatabaseConnector(cfg, log)

			db, err := dc.InitPostgreSQL(ctx)
			if err != nil {
				return fmt.Errorf("postgres migrations: %w", err)
			}
			defer db.Close()

			mc, err := dc.InitMongoDB(ctx)
			if err != nil {
				return err
			}
			if mc != nil {
				defer mc.Disconnect(context.WithoutCancel(ctx))
				if _, err := dc.FlowDatabase(ctx, mc); err != nil {
					return err
				}
			}
			log.InfowCtx(ctx, "Migrations applied")
			return nil
		},
	}
}
