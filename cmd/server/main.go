package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/supper-club-booking/internal/app"
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/handler"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/middleware"
	"github.com/iliyamo/supper-club-booking/internal/router"
)

func main() {
	_ = godotenv.Load() // a missing .env is fine; the environment may be set directly

	cfg := config.Load()
	log := app.SetupLogger(cfg.Env)
	log.Info("starting booking service", slog.String("env", cfg.Env), slog.String("store", cfg.StoreDriver))

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialise application", sl.Err(err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close failed", sl.Err(err))
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log))
	if a.Metrics != nil {
		e.Use(a.Metrics.Middleware())
	}

	router.RegisterRoutes(e, a.Metrics)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, a.Users, log), cfg.JWTSecret)
	router.RegisterEvents(e, handler.NewEventHandler(a.Engine, log), cfg.JWTSecret, a.Availability)
	router.RegisterBookings(e, handler.NewBookingHandler(a.Engine, log), cfg.JWTSecret, a.Limiter)
	router.RegisterPayments(e, handler.NewPaymentHandler(a.Engine, a.Publisher, cfg.Payment, a.Clock, log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.RunConsumers(ctx)
	}()

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", slog.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", sl.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", sl.Err(err))
	}
	wg.Wait()
	log.Info("stopped")
}
