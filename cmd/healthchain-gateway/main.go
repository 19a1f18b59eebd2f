package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dotimplement/HealthChain-sub001/internal/config"
	"github.com/dotimplement/HealthChain-sub001/internal/gateway"
	"github.com/dotimplement/HealthChain-sub001/internal/platform/auth"
	"github.com/dotimplement/HealthChain-sub001/internal/platform/events"
	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
	"github.com/dotimplement/HealthChain-sub001/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthchain-gateway",
		Short: "Multi-source FHIR gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sourcesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect configured FHIR sources",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			entries, err := cfg.SourceEntries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No sources configured. Set FHIR_SOURCES=name=fhir://host/path,...")
				return nil
			}
			fmt.Printf("%-20s %s\n", "NAME", "BASE URL")
			for _, entry := range entries {
				authCfg, err := fhir.ParseConnectionString(entry[1])
				if err != nil {
					fmt.Printf("%-20s invalid: %v\n", entry[0], err)
					continue
				}
				fmt.Printf("%-20s %s\n", entry[0], authCfg.BaseURL)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Probe each source's metadata endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			entries, err := cfg.SourceEntries()
			if err != nil {
				return err
			}

			logger := zerolog.Nop()
			manager := fhir.NewConnectionManager(auth.ClientFactory(logger), fhir.DefaultConnectionLimits())
			defer manager.CloseAll()
			for _, entry := range entries {
				if err := manager.AddSource(entry[0], entry[1]); err != nil {
					return err
				}
			}

			gw := gateway.New(manager)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			failed := 0
			for _, entry := range entries {
				cs, err := gw.Capabilities(ctx, entry[0])
				if err != nil {
					failed++
					fmt.Printf("%-20s FAIL  %v\n", entry[0], err)
					continue
				}
				fmt.Printf("%-20s OK    fhirVersion=%s\n", entry[0], cs.FHIRVersion)
			}
			if failed > 0 {
				return fmt.Errorf("%d source(s) unreachable", failed)
			}
			return nil
		},
	}
	cmd.AddCommand(checkCmd)

	return cmd
}

func runGateway() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Event sink
	dispatcher, cleanup, err := buildDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up event sink")
	}
	defer cleanup()

	// Sources
	limits := fhir.ConnectionLimits{
		MaxConnections:  cfg.MaxConnections,
		MaxKeepalive:    cfg.MaxKeepalive,
		KeepaliveExpiry: time.Duration(cfg.KeepaliveExpiry) * time.Second,
	}
	manager := fhir.NewConnectionManager(auth.ClientFactory(logger), limits,
		fhir.WithManagerLogger(logger))
	defer manager.CloseAll()

	entries, err := cfg.SourceEntries()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid FHIR_SOURCES")
	}
	for _, entry := range entries {
		if err := manager.AddSource(entry[0], entry[1]); err != nil {
			logger.Fatal().Err(err).Str("source", entry[0]).Msg("failed to register source")
		}
	}
	if len(entries) == 0 {
		logger.Warn().Msg("no sources configured; set FHIR_SOURCES")
	}

	// Gateway
	gw := gateway.New(manager,
		gateway.WithLogger(logger),
		gateway.WithDispatcher(dispatcher),
		gateway.WithPrefix(cfg.FHIRPrefix))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	gw.Mount(e)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("prefix", cfg.FHIRPrefix).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("gateway stopped")
	return nil
}

// buildDispatcher wires the configured event sink. The cleanup func releases
// sink resources at shutdown.
func buildDispatcher(cfg *config.Config, logger zerolog.Logger) (events.Dispatcher, func(), error) {
	nop := func() {}
	switch cfg.EventSink {
	case "none":
		return events.NopDispatcher{}, nop, nil
	case "log":
		return events.NewLogDispatcher(logger), nop, nil
	case "webhook":
		d, err := events.NewWebhookDispatcher(cfg.WebhookURL, cfg.WebhookSecret,
			events.WithWebhookLogger(logger))
		if err != nil {
			return nil, nop, err
		}
		return d, nop, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pool, err := events.OpenPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nop, err
		}
		store := events.NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nop, err
		}
		return store, func() { pool.Close() }, nil
	}
	return nil, nop, fmt.Errorf("unsupported event sink %q", cfg.EventSink)
}
