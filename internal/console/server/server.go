package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/console/handler"
	"github.com/xela07ax/agent-warden/internal/infra/auth"
)

// ConsoleServer — операторский HTTP API: наблюдение за раном и emergency-команды.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	authValidator auth.TokenValidator

	authHandler      *handler.AuthHandler      // /auth/token
	lockHandler      *handler.LockHandler      // /v1/locks
	runHandler       *handler.RunHandler       // /v1/run
	violationHandler *handler.ViolationHandler // /v1/violations
	emergencyHandler *handler.EmergencyHandler // /v1/emergency
}

// NewConsoleServer собирает роутер консоли со всеми зависимостями.
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	lockH *handler.LockHandler,
	runH *handler.RunHandler,
	violationH *handler.ViolationHandler,
	emergencyH *handler.EmergencyHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		authValidator:    validator,
		authHandler:      authH,
		lockHandler:      lockH,
		runHandler:       runH,
		violationHandler: violationH,
		emergencyHandler: emergencyH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Наблюдение: локи, статус рана, audit trail
		r.Get("/v1/locks", s.lockHandler.List)
		r.Get("/v1/run/status", s.runHandler.Status)
		r.Get("/v1/violations", s.violationHandler.List)

		// Отмена задачи (только до назначения)
		r.Post("/v1/run/tasks/{taskID}/cancel", s.runHandler.Cancel)

		// Emergency-команды — отдельный скоуп
		r.Route("/v1/emergency", func(r chi.Router) {
			r.Use(auth.RequireScope("emergency"))
			r.Post("/quarantine/{agentID}", s.emergencyHandler.Quarantine)
			r.Post("/shutdown", s.emergencyHandler.Shutdown)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler.
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
