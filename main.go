package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"group-exchange-server/config"
	"group-exchange-server/db"
	"group-exchange-server/exchange"
	"group-exchange-server/handlers"
	"group-exchange-server/models"
	"group-exchange-server/service"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "group-exchange-server",
	Short: "Classroom group exchange server",
	Long: `Serves the roster API: add students, submit group move requests and
settle exchanges between students of the same gender who want each
other's group.`,
	SilenceUsage: true,
	RunE:         runServer,
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run one settlement pass against the configured store and print the result",
	RunE:  runSettle,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(settleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// app is everything a command needs, built from the config
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   db.Store
	service *service.Service
	closeFn func() error
}

func newApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, closeFn: func() error { return nil }}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := db.InitializeRedisClient(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.store = db.NewRedisService(client, logger)
		a.closeFn = client.Close
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		a.store = db.NewMemoryStore()
	}

	genders := make([]models.Gender, 0, len(cfg.Roster.Genders))
	for _, g := range cfg.Roster.Genders {
		genders = append(genders, models.Gender(g))
	}
	a.service = service.New(a.store, logger, service.NewMetrics(reg), service.Options{
		Genders:         genders,
		RequireLastName: cfg.Roster.RequireLastName,
		Messages:        cfg.Roster.Messages,
		Exchange:        exchange.Options{RequireMutual: cfg.Exchange.RequireMutual},
	})
	return a, nil
}

func (a *app) close() {
	if err := a.closeFn(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, reg)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Store.Seed {
		if _, err := a.service.SeedIfEmpty(ctx); err != nil {
			a.logger.Warn("failed to seed initial data", zap.Error(err))
		}
	}
	if err := a.service.SyncPendingGauge(ctx); err != nil {
		a.logger.Warn("failed to initialize pending requests gauge", zap.Error(err))
	}

	if !a.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	apiHandler := handlers.NewAPIHandler(a.service, a.logger)
	router := handlers.NewRouter(apiHandler, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), a.logger)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", a.cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to run server: %w", err)
		}
		return nil
	case sig := <-quit:
		a.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func runSettle(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.service.SettleExchanges(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
