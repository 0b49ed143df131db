// Package app wires the service graph and runs the HTTP server, cron
// sweeps, and pubsub subscribers under one errgroup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lusomaq/rentgo/internal/calendar"
	"github.com/lusomaq/rentgo/internal/config"
	"github.com/lusomaq/rentgo/internal/geofence"
	"github.com/lusomaq/rentgo/internal/invoicing"
	"github.com/lusomaq/rentgo/internal/notify"
	"github.com/lusomaq/rentgo/internal/payment"
	"github.com/lusomaq/rentgo/internal/postgres"
	"github.com/lusomaq/rentgo/internal/service"
	"github.com/lusomaq/rentgo/internal/service/hold"
	"github.com/lusomaq/rentgo/internal/service/jobs"
	"github.com/lusomaq/rentgo/internal/service/ops"
	"github.com/lusomaq/rentgo/internal/service/query"
	"github.com/lusomaq/rentgo/internal/service/reconcile"

	postgresrepo "github.com/lusomaq/rentgo/internal/repository/postgres"
	redisrepo "github.com/lusomaq/rentgo/internal/repository/redis"

	redisx "github.com/lusomaq/rentgo/internal/redis"
	httpgin "github.com/lusomaq/rentgo/internal/transport/http/gin"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	cron       *cron.Cron
	bus        *redisx.Bus
	services   *service.Services
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.New"

	loc, err := time.LoadLocation(cfg.Booking.BusinessTZ)
	if err != nil {
		return nil, fmt.Errorf("%s: load business timezone: %w", op, err)
	}

	pool, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Postgres.DSN,
		MaxConns: cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: postgres: %w", op, err)
	}

	rdb, err := redisx.New(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: redis: %w", op, err)
	}

	store := postgresrepo.NewStore(pool)
	bookings := store.Bookings()
	machines := store.Machines()
	events := store.Events()
	jobQueue := store.Jobs()

	cache := redisrepo.New(rdb)
	bus := redisx.NewBus(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, redisx.KeyRateLimitPrefix("holds"), cfg.RateLimit.Limit, cfg.RateLimit.Window)
	idem := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	gateway := payment.New(payment.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
		CheckoutTTL:   cfg.Stripe.CheckoutTTL,
	})

	var fence hold.Fence
	if cfg.Booking.GeofenceFile != "" {
		area, err := geofence.Load(cfg.Booking.GeofenceFile)
		if err != nil {
			return nil, fmt.Errorf("%s: geofence: %w", op, err)
		}
		fence = area
	}

	invoicer := invoicing.New(invoicing.Config{
		BaseURL: cfg.Invoicing.BaseURL,
		APIKey:  cfg.Invoicing.APIKey,
	})

	mailer := notify.NewMailer(notify.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		InternalTo: cfg.SMTP.InternalTo,
	})

	var cal jobs.Calendar
	if cfg.Calendar.CredentialsFile != "" && cfg.Calendar.CalendarID != "" {
		client, err := calendar.New(ctx, calendar.Config{
			CredentialsFile: cfg.Calendar.CredentialsFile,
			CalendarID:      cfg.Calendar.CalendarID,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: calendar: %w", op, err)
		}
		cal = client
	}

	holdSvc := hold.NewService(
		hold.Config{
			Location:    loc,
			HoldTTL:     cfg.Booking.HoldTTL,
			ExpiryGrace: cfg.Booking.ExpiryGrace,
		},
		bookings, machines, limiter, fence, gateway, cache, bus, logger,
	)

	reconcileSvc := reconcile.NewService(bookings, events, gateway, bus, cache, bus, logger)

	jobsSvc := jobs.NewService(
		jobs.Config{
			MaxAttempts: cfg.Jobs.MaxAttempts,
			VATPercent:  cfg.Booking.VATPercent,
		},
		bookings, machines, jobQueue, invoicer, mailer, cal, logger,
	)

	opsSvc := ops.NewService(bookings, machines, cache, bus, loc, logger)

	querySvc := query.NewService(
		query.Config{CacheTTL: cfg.CacheTTL, Location: loc},
		machines, bookings, cache, logger,
	)

	services := &service.Services{
		Hold:      holdSvc,
		Reconcile: reconcileSvc,
		Jobs:      jobsSvc,
		Ops:       opsSvc,
		Query:     querySvc,
	}

	router := httpgin.NewRouter(
		httpgin.RouterConfig{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			SweepSecret:    cfg.Sweeps.Secret,
			JobsBatchSize:  cfg.Jobs.BatchSize,
		},
		services, idem, logger,
	)

	a := &App{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: router,
		},
		cron:     cron.New(),
		bus:      bus,
		services: services,
	}

	if err := a.scheduleSweeps(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return a, nil
}

// scheduleSweeps registers the hold-expiry and job-processing sweeps.
// The internal HTTP endpoints run the same code for external schedulers.
func (a *App) scheduleSweeps() error {
	_, err := a.cron.AddFunc(a.cfg.Sweeps.ExpireHoldsSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := a.services.Hold.ExpireStaleHolds(ctx); err != nil {
			a.logger.Error("expire-holds sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule expire-holds: %w", err)
	}

	_, err = a.cron.AddFunc(a.cfg.Sweeps.ProcessJobsSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := a.services.Jobs.ProcessPending(ctx, a.cfg.Jobs.BatchSize); err != nil {
			a.logger.Error("process-jobs sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule process-jobs: %w", err)
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	a.cron.Start()

	// Post-confirmation kick: drain the queue right away instead of
	// waiting for the next sweep.
	g.Go(func() error {
		err := a.bus.SubscribeJobKicks(gCtx, func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if _, err := a.services.Jobs.ProcessPending(ctx, a.cfg.Jobs.BatchSize); err != nil {
				a.logger.Error("kicked job processing failed", "error", err)
			}
		})
		if err != nil && gCtx.Err() == nil {
			return fmt.Errorf("job kick subscriber: %w", err)
		}
		return nil
	})

	// Cross-instance cache invalidation.
	g.Go(func() error {
		err := a.bus.SubscribeBookingsChanged(gCtx, func(ctx context.Context, machineID int64) {
			a.services.Query.InvalidateMachine(ctx, machineID)
		})
		if err != nil && gCtx.Err() == nil {
			return fmt.Errorf("bookings-changed subscriber: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down")

		cronCtx := a.cron.Stop()
		<-cronCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
