// Copyright 2024 The MallQuest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ApiServer is the HTTP + WebSocket transport around the Coordinator.
type ApiServer struct {
	logger      *zap.Logger
	config      Config
	store       Store
	coordinator *Coordinator
	authGate    *AuthGate
	metrics     Metrics
	sockets     *SocketRegistry
	upgrader    *websocket.Upgrader
	httpServer  *http.Server
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, store Store, coordinator *Coordinator, authGate *AuthGate, metrics Metrics, sockets *SocketRegistry) *ApiServer {
	s := &ApiServer{
		logger:      logger,
		config:      config,
		store:       store,
		coordinator: coordinator,
		authGate:    authGate,
		metrics:     metrics,
		sockets:     sockets,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.HTTPHandler()).Methods(http.MethodGet)

	router.HandleFunc("/register", s.registerHandler).Methods(http.MethodPost)
	router.HandleFunc("/login", s.loginHandler).Methods(http.MethodPost)
	router.HandleFunc("/refresh", s.refreshHandler).Methods(http.MethodPost)
	router.HandleFunc("/logout", s.logoutHandler).Methods(http.MethodPost)
	router.HandleFunc("/mfa/setup", s.mfaSetupHandler).Methods(http.MethodPost)
	router.HandleFunc("/mfa/verify", s.mfaVerifyHandler).Methods(http.MethodPost)

	router.HandleFunc("/api/receipt", s.receiptHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/pos/purchase", s.posPurchaseHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/user/{id}", s.userHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/missions", s.missionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/mission/generate", s.missionGenerateHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/mission/{id}/claim", s.missionClaimHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/leaderboard/{kind}", s.leaderboardHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/notifications", s.notificationsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/notifications/{id}/read", s.notificationReadHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/empire", s.empireHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/empire/{id}/collect", s.empireCollectHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/empire/{id}/upgrade", s.empireUpgradeHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/companion", s.companionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/companion/{id}/feed", s.companionInteractHandler("feed")).Methods(http.MethodPost)
	router.HandleFunc("/api/companion/{id}/play", s.companionInteractHandler("play")).Methods(http.MethodPost)

	router.HandleFunc("/api/performance-metrics", s.performanceHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/receipt/{id}/review", s.receiptReviewHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/receipt/{id}/reverse", s.receiptReverseHandler).Methods(http.MethodPost)

	router.HandleFunc("/ws", s.wsHandler).Methods(http.MethodGet)

	handlerChain := handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(s.metricsMiddleware(router))

	socketCfg := config.GetSocket()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%v:%d", socketCfg.Address, socketCfg.Port),
		ReadTimeout:  time.Duration(socketCfg.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(socketCfg.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  time.Duration(socketCfg.IdleTimeoutMs) * time.Millisecond,
		Handler:      handlerChain,
	}

	startupLogger.Info("Starting API server", zap.Int("port", socketCfg.Port))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

// Stop drains in-flight requests then closes every live socket.
func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
	s.sockets.Stop()
}

func (s *ApiServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r.Body = http.MaxBytesReader(w, r.Body, s.config.GetSocket().MaxRequestSize)

		// Writes get the longer deadline; reads stay tight.
		timeout := time.Duration(s.config.GetSocket().WriteRequestTimeoutMs) * time.Millisecond
		if r.Method == http.MethodGet {
			timeout = time.Duration(s.config.GetSocket().ReadRequestTimeoutMs) * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))
		s.metrics.Api(routeTemplate(r), time.Since(start), recorder.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// tenantFromRequest resolves the tenant from the request host.
func (s *ApiServer) tenantFromRequest(r *http.Request) (*Tenant, error) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	tenant, err := s.store.GetTenantByHost(r.Context(), host)
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// authenticated verifies the bearer token and checks the action rate limit.
func (s *ApiServer) authenticated(r *http.Request, action string) (*SessionTokenClaims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	return s.coordinator.Admit(r.Context(), token, action, clientIP(r))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *ApiServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Could not write response", zap.Error(err))
	}
}

func (s *ApiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ErrorKind(err)
	status := HTTPStatus(kind)
	if kind == KindInternal || kind == KindTransient {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	if kind == KindRateLimited || kind == KindTransient {
		w.Header().Set("Retry-After", "30")
	}
	s.writeJSON(w, status, map[string]string{"error": ErrorMessage(err)})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewError(KindValidation, "Invalid payload")
	}
	return nil
}

// healthHandler reports liveness and per-component status.
func (s *ApiServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	components := map[string]string{"store": "ok"}
	if err := s.store.Ping(ctx); err != nil {
		components["store"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":     http.StatusText(status),
		"components": components,
	})
}

// wsHandler upgrades to the per-session WebSocket. The token rides a query
// parameter because browsers cannot set headers on WebSocket dials.
func (s *ApiServer) wsHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := s.authGate.Verify(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.sockets.Add(claims.TenantID, claims.UserID, conn)
}

// performanceHandler exposes the engine/runtime counters to admins.
func (s *ApiServer) performanceHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claims.Role != string(RoleAdmin) {
		s.writeError(w, r, ErrForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func limitParam(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
