package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/dropchat/internal/infrastructure/configs"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/metrics"
	"github.com/hilthontt/dropchat/internal/infrastructure/ratelimiter"
	healthHandler "github.com/hilthontt/dropchat/internal/presentation/handler/health"
	messagesHandler "github.com/hilthontt/dropchat/internal/presentation/handler/messages"
	roomHandler "github.com/hilthontt/dropchat/internal/presentation/handler/rooms"
	streamHandler "github.com/hilthontt/dropchat/internal/presentation/handler/stream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Application struct {
	config          configs.Config
	roomHandler     *roomHandler.Handler
	messagesHandler *messagesHandler.Handler
	streamHandler   *streamHandler.Handler
	healthHandler   *healthHandler.Handler
	logger          logging.Logger
	ratelimiter     ratelimiter.Limiter
	metrics         *metrics.Metrics
}

func NewApplication(
	config configs.Config,
	roomHandler *roomHandler.Handler,
	messagesHandler *messagesHandler.Handler,
	streamHandler *streamHandler.Handler,
	healthHandler *healthHandler.Handler,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
	metrics *metrics.Metrics,
) *Application {
	return &Application{
		config:          config,
		roomHandler:     roomHandler,
		messagesHandler: messagesHandler,
		streamHandler:   streamHandler,
		healthHandler:   healthHandler,
		logger:          logger,
		ratelimiter:     ratelimiter,
		metrics:         metrics,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if app.config.HTTP.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(app.loggerMiddleware)
	r.Use(app.prometheusMiddleware)
	r.Use(app.enableCors)

	r.Route("/api", func(r chi.Router) {
		r.Route("/rooms", func(r chi.Router) {
			r.Use(app.rateLimiterMiddleware)

			// Streams stay open far longer than any request timeout.
			r.Get("/{roomId}/sse", app.streamHandler.SSEHandler)
			r.Get("/{roomId}/ws", app.streamHandler.WebSocketHandler)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(requestTimeout))

				r.Post("/", app.roomHandler.CreateRoomHandler)
				r.Get("/", app.roomHandler.ListRoomsHandler)
				r.Get("/{roomId}", app.roomHandler.GetRoomHandler)
				r.Delete("/{roomId}", app.roomHandler.DeleteRoomHandler)
				r.Post("/{roomId}/join", app.roomHandler.JoinRoomHandler)

				r.Get("/{roomId}/messages", app.messagesHandler.ListMessagesHandler)
				r.Post("/{roomId}/messages", app.messagesHandler.CreateMessageHandler)
				r.Post("/{roomId}/typing", app.messagesHandler.TypingHandler)
			})
		})

		r.Get("/health", app.healthHandler.GetHealth)
		r.Get("/healthz", app.healthHandler.GetHealth)
		r.Get("/live", app.healthHandler.GetHealth)
		r.Get("/ready", app.healthHandler.GetReady)
	})

	r.Handle("/metrics", app.metrics.Handler())

	return otelhttp.NewHandler(r, "dropchat",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Run serves until SIGINT or SIGTERM. Shutdown cancels the base context so
// open streams end and deregister their presence before the server returns.
func (app *Application) Run(mux http.Handler) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// No WriteTimeout: streams write for as long as the client stays.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", app.config.HTTP.Host, app.config.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       app.config.HTTP.ReadTimeout,
		IdleTimeout:       app.config.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		app.logger.Info(logging.General, logging.Shutdown, "signal caught", map[logging.ExtraKey]any{
			"signal": s.String(),
		})
		app.healthHandler.Drain()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdown <- srv.Shutdown(ctx)
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{
		"addr": srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdown; err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{
		"addr": srv.Addr,
	})

	return nil
}
