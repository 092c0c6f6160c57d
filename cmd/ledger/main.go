// Command ledger serves an in-memory ledger for local escrowd development.
//
// Transfers are applied once per (X-Caller-Address, txId). Balances live in
// memory and are lost on restart.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/validation"
)

func main() {
	cfg := config.LoadLedger()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	l := ledger.New(ledger.NewMemoryStore())
	h := ledger.NewHandler(l, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	r.Use(metrics.Middleware())

	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	if cfg.Faucet {
		h.RegisterFaucetRoutes(v1)
		logger.Warn("faucet enabled: POST /v1/accounts/:address/mint credits any account")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting ledger", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("ledger server error", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("ledger stopped")
}
