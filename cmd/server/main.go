// Command chatgateway runs the chat gateway as a standalone HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	chatgateway "github.com/real-rm/chatgateway"
	"github.com/real-rm/chatgateway/internal/config"
	"github.com/real-rm/chatgateway/internal/constants"
	"github.com/real-rm/chatgateway/internal/logging"
	"github.com/real-rm/chatgateway/internal/notification"
	"github.com/real-rm/chatgateway/internal/presence"
)

// configEnv names the environment variable holding the config file path
const configEnv = "CHATGW_CONFIG"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfiguration(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, cmd.OutOrStdout())
	}

	root := &cobra.Command{
		Use:           "chatgateway",
		Short:         "Real-time chat gateway with streamed assistant replies",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv(configEnv),
		"path to a TOML config file (env "+configEnv+")")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfiguration(configPath)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	})
	return root
}

// loadConfiguration loads file and environment configuration and validates it
func loadConfiguration(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printConfig(out io.Writer, cfg *config.Config) error {
	data, err := toml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

// runServe connects the backing services, registers the gateway and serves
// until ctx ends or a server task fails
func runServe(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	logger, err := logging.NewWithWriter(cfg.Log, stdout)
	if err != nil {
		return err
	}
	defer logger.Close()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	client, err := connectMongo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	closers = append(closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultContextTimeout)
		defer cancel()
		_ = client.Disconnect(ctx)
	})

	var opts []chatgateway.Option

	// No else needed: optional operation (presence mirror)
	if cfg.Redis.Addr != "" {
		rdb, err := presence.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		tracker := presence.NewRedisTracker(rdb, chatgateway.Hostname(), cfg.Redis.PresenceTTL, logger.Logger)
		opts = append(opts, chatgateway.WithPresence(tracker))
	}

	// No else needed: optional operation (NATS alerts)
	if cfg.Alert.NATSURL != "" {
		nc, err := notification.ConnectNATS(cfg.Alert.NATSURL, "chatgateway-"+chatgateway.Hostname())
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = nc.Drain() })
		opts = append(opts, chatgateway.WithAlertSinks(notification.NewNATSSink(nc, cfg.Alert.NATSSubject, "chatgateway")))
	}

	if cfg.Server.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	svc, err := chatgateway.Register(engine, cfg, logger.Logger, client.Database(cfg.Mongo.Database), opts...)
	if err != nil {
		return err
	}

	server := NewHTTPServer(":"+strconv.Itoa(cfg.Server.Port), engine)
	logger.Info("Server starting", "port", cfg.Server.Port, "production", cfg.Server.Production)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(logger.Logger, svc, "http server", func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}))
	g.Go(guard(logger.Logger, svc, "shutdown", func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	}))

	err = g.Wait()
	// No else needed: optional operation (report the failure)
	if err != nil {
		logger.Error("Server stopped with error", "error", err)
	}
	return err
}

func connectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = constants.DefaultContextTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// alertSink is the part of the service guard needs
type alertSink interface {
	NotifyError(ctx context.Context, alert notification.Alert)
}

// guard turns a panic in a server task into an alerted error, so the
// errgroup cancels the other tasks and the process shuts down in order
func guard(logger *slog.Logger, alerts alertSink, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			r := recover()
			// No else needed: only panics are converted
			if r == nil {
				return
			}
			err = fmt.Errorf("%s panicked: %v", name, r)
			logger.Error("Server task panicked", "task", name, "error", err)
			ctx, cancel := context.WithTimeout(context.Background(), constants.AlertTimeout)
			defer cancel()
			alerts.NotifyError(ctx, notification.Alert{Message: "Server task panicked", Context: name, Err: err, Time: time.Now()})
		}()
		return fn()
	}
}
