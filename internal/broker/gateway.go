package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/campuspulse/pulse/config"
	"github.com/campuspulse/pulse/internal/coordinator"
	"github.com/campuspulse/pulse/internal/notifier"
	"github.com/campuspulse/pulse/internal/store"
	"github.com/campuspulse/pulse/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	rcRegistrations = "registrations"
	rcEvents        = "events"
	rcDefault       = "default"
)

// ErrorResponse is the structured failure envelope returned by every
// endpoint. Never a bare boolean or string.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

/*
	Gateway is the HTTP surface of the realtime core: the websocket upgrade
	endpoint plus the synchronous registration and mutation-glue endpoints
	the surrounding platform calls. It owns per-caller rate limiters held in
	TTL caches so idle callers age out.
*/

type Gateway struct {
	logger  *slog.Logger
	cfg     *config.Service
	broker  *Broker
	coord   *coordinator.Coordinator
	changes *notifier.Notifier
	store   store.Store

	upgrader     websocket.Upgrader
	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
}

func NewGateway(
	cfg *config.Service,
	b *Broker,
	coord *coordinator.Coordinator,
	changes *notifier.Notifier,
	st store.Store,
	logger *slog.Logger,
) *Gateway {
	g := &Gateway{
		logger:  logger.WithGroup("gateway"),
		cfg:     cfg,
		broker:  b,
		coord:   coord,
		changes: changes,
		store:   st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rateLimiters: make(map[string]*ttlcache.Cache[string, *rate.Limiter]),
	}

	for _, category := range []string{rcRegistrations, rcEvents, rcDefault} {
		cache := ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		g.rateLimiters[category] = cache
	}
	return g
}

// Router builds the chi route tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/health", g.healthHandler)
	r.Get("/ws", g.subscribeHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events/{id}/join", g.joinHandler)
		r.Post("/events/{id}/leave", g.leaveHandler)
		r.Put("/events/{id}", g.upsertEventHandler)
		r.Delete("/events/{id}", g.deleteEventHandler)
		r.Put("/orgs/{id}", g.updateOrgHandler)
		r.Post("/orgs/{id}/followers", g.orgFollowedHandler)
		r.Post("/users/{id}/notify", g.notifyUserHandler)
	})
	return r
}

func (g *Gateway) categoryConfig(category string) config.RateLimiterConfig {
	switch category {
	case rcRegistrations:
		return g.cfg.RateLimiters.Registrations
	case rcEvents:
		return g.cfg.RateLimiters.Events
	default:
		return g.cfg.RateLimiters.Default
	}
}

func (g *Gateway) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	cache := g.rateLimiters[category]
	if item := cache.Get(host); item != nil {
		return item.Value()
	}

	rlCfg := g.categoryConfig(category)
	limiter := rate.NewLimiter(rate.Limit(rlCfg.Limit), rlCfg.Burst)
	cache.Set(host, limiter, ttlcache.DefaultTTL)
	return limiter
}

func (g *Gateway) allow(category string, w http.ResponseWriter, r *http.Request) bool {
	if g.getRateLimiter(category, r).Allow() {
		return true
	}
	g.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	return false
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, errorType, message string) {
	g.writeJSON(w, status, ErrorResponse{ErrorType: errorType, Message: message})
}

func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": g.broker.ActiveSessions(),
	})
}

// subscribeHandler upgrades to a websocket session. The optional "user"
// query parameter attaches an identity; topic membership is driven entirely
// by join-room/leave-room control messages after the upgrade.
func (g *Gateway) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	rlCfg := g.cfg.RateLimiters.Default
	s, err := g.broker.newSession(conn, userID, rate.NewLimiter(rate.Limit(rlCfg.Limit), rlCfg.Burst))
	if err != nil {
		g.logger.Warn("rejecting websocket connection", "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	g.logger.Info("websocket session established",
		"session_id", s.ID, "user_id", userID, "remote_addr", conn.RemoteAddr())

	// If the client carries an identity it always hears its own topic.
	if userID != "" {
		g.broker.Subscribe(s, models.UserTopic(userID))
	}

	go s.writePump()
	go s.readPump()
}

type joinRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

func (g *Gateway) joinHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcRegistrations, w, r) {
		return
	}
	eventID := chi.URLParam(r, "id")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		g.writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	user := models.UserRef{ID: req.UserID, Name: req.UserName}
	result, err := g.coord.Join(r.Context(), req.UserID, user, eventID)
	if err != nil {
		g.writeRegistrationError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, result)
}

func (g *Gateway) leaveHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcRegistrations, w, r) {
		return
	}
	eventID := chi.URLParam(r, "id")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		g.writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	if err := g.coord.Leave(r.Context(), req.UserID, eventID); err != nil {
		g.writeRegistrationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) writeRegistrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		g.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, coordinator.ErrDuplicateRegistration):
		g.writeError(w, http.StatusConflict, "duplicate_registration", err.Error())
	case errors.Is(err, coordinator.ErrCapacityExceeded):
		g.writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.Is(err, coordinator.ErrDeadlinePassed):
		g.writeError(w, http.StatusGone, "deadline_passed", err.Error())
	default:
		g.logger.Error("registration request failed", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// upsertEventHandler is the glue the surrounding CRUD platform calls after
// persisting an event, so watchers hear about it. Create vs update is
// decided by whether the event already exists here.
func (g *Gateway) upsertEventHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcEvents, w, r) {
		return
	}
	eventID := chi.URLParam(r, "id")

	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		g.writeError(w, http.StatusBadRequest, "bad_request", "malformed event payload")
		return
	}
	ev.ID = eventID
	if ev.Capacity <= 0 {
		g.writeError(w, http.StatusBadRequest, "bad_request", "capacity must be a positive integer")
		return
	}

	existing, err := g.store.GetEvent(r.Context(), eventID)
	if err != nil && !errors.Is(err, store.ErrEventNotFound) {
		g.logger.Error("event lookup failed", "event_id", eventID, "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	if existing != nil {
		// Confirmed count is coordinator-owned state; an upsert must not
		// clobber it.
		ev.ConfirmedCount = existing.ConfirmedCount
		ev.CreatedAt = existing.CreatedAt
	} else {
		ev.ConfirmedCount = 0
		ev.CreatedAt = time.Now()
	}

	if err := g.store.PutEvent(r.Context(), &ev); err != nil {
		g.logger.Error("event upsert failed", "event_id", eventID, "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	if existing != nil {
		g.changes.EventUpdated(&ev)
		g.writeJSON(w, http.StatusOK, &ev)
		return
	}
	g.changes.EventCreated(&ev)
	g.writeJSON(w, http.StatusCreated, &ev)
}

func (g *Gateway) deleteEventHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcEvents, w, r) {
		return
	}
	eventID := chi.URLParam(r, "id")

	ev, err := g.store.GetEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			g.writeError(w, http.StatusNotFound, "not_found", "event not found")
			return
		}
		g.logger.Error("event lookup failed", "event_id", eventID, "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	if err := g.store.DeleteEvent(r.Context(), eventID); err != nil {
		g.logger.Error("event delete failed", "event_id", eventID, "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	g.changes.EventDeleted(ev)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) updateOrgHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcEvents, w, r) {
		return
	}
	orgID := chi.URLParam(r, "id")

	var org models.Organization
	if err := json.NewDecoder(r.Body).Decode(&org); err != nil {
		g.writeError(w, http.StatusBadRequest, "bad_request", "malformed organization payload")
		return
	}
	org.ID = orgID

	g.changes.OrgUpdated(&org)
	w.WriteHeader(http.StatusAccepted)
}

type orgFollowedRequest struct {
	FollowerCount int `json:"follower_count"`
}

func (g *Gateway) orgFollowedHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcEvents, w, r) {
		return
	}
	orgID := chi.URLParam(r, "id")

	var req orgFollowedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}

	g.changes.OrgFollowed(orgID, req.FollowerCount)
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) notifyUserHandler(w http.ResponseWriter, r *http.Request) {
	if !g.allow(rcDefault, w, r) {
		return
	}
	userID := chi.URLParam(r, "id")

	var payload models.NotificationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		g.writeError(w, http.StatusBadRequest, "bad_request", "malformed notification payload")
		return
	}

	g.changes.NotifyUser(userID, payload)
	w.WriteHeader(http.StatusAccepted)
}

// Stop tears down the rate limiter caches and the broker's sessions.
func (g *Gateway) Stop() {
	for _, cache := range g.rateLimiters {
		cache.Stop()
	}
	g.broker.Shutdown()
}
