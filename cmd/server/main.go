package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"expense-manager/internal/auth"
	"expense-manager/internal/config"
	"expense-manager/internal/events"
	"expense-manager/internal/expense"
	"expense-manager/internal/handlers"
	"expense-manager/internal/logger"
	"expense-manager/internal/storage"
	"expense-manager/web"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server exited")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Info().Str("driver", db.Driver()).Msg("Database ready")

	if err := bootstrapAdmin(ctx, db, cfg, log); err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("Publishing expense events")
	}

	var tokens *auth.TokenVerifier
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		log.Info().Msg("Bearer token authentication enabled")
	}

	svc := expense.NewService(db, publisher, log)
	h, err := handlers.NewHandlers(db, svc, web.Templates(), log, handlers.Options{
		SecureCookie:    cfg.SecureCookie,
		SessionDuration: cfg.SessionDuration,
		Tokens:          tokens,
	})
	if err != nil {
		return fmt.Errorf("init handlers: %w", err)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(h, web.Static(), log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweepSessions(gctx, db, cfg.SessionCleanupInterval, log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// setupRouter builds the route table and wraps it in the middleware pipeline.
func setupRouter(h *handlers.Handlers, static fs.FS, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("GET /Account/Login", h.LoginForm)
	mux.HandleFunc("POST /Account/Login", h.Login)
	mux.HandleFunc("GET /Account/Logout", h.Logout)

	protected := func(fn http.HandlerFunc) http.Handler {
		return h.AuthMiddleware(fn)
	}
	mux.Handle("GET /Expense", protected(h.ListExpenses))
	mux.Handle("GET /Expense/Create", protected(h.CreateExpenseForm))
	mux.Handle("POST /Expense/Create", protected(h.CreateExpense))
	mux.Handle("GET /Expense/Edit/{id}", protected(h.EditExpenseForm))
	mux.Handle("POST /Expense/Edit/{id}", protected(h.UpdateExpense))
	mux.Handle("GET /Expense/Delete/{id}", handlers.SameOriginOnly(log)(protected(h.DeleteExpense)))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/Expense", http.StatusFound)
	})

	return handlers.Chain(mux,
		handlers.Recovery(log),
		handlers.RequestID(log),
		handlers.Logger(log),
		handlers.SecurityHeaders,
		handlers.CrossOrigin(log),
	)
}

// bootstrapAdmin creates the configured admin account on an empty database.
func bootstrapAdmin(ctx context.Context, db *storage.DB, cfg *config.Config, log zerolog.Logger) error {
	if cfg.AdminUser == "" {
		return nil
	}

	count, err := db.UserCount(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	user, err := db.CreateUser(ctx, cfg.AdminUser, hash)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	log.Info().Str("username", user.Username).Str("user_id", user.ID).Msg("Created initial user")
	return nil
}

// sweepSessions deletes expired sessions every interval until ctx is done.
func sweepSessions(ctx context.Context, db *storage.DB, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := db.CleanExpiredSessions(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to clean expired sessions")
				continue
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Cleaned expired sessions")
			}
		}
	}
}
