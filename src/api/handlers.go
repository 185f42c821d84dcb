package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"apitracker/src/platform/apperr"
	"apitracker/src/platform/health"
	"apitracker/src/platform/security"
	"apitracker/src/platform/validation"
	"apitracker/src/services/events"
	"apitracker/src/storage/activitylog"
	"apitracker/src/storage/callers"
)

const (
	defaultDailyDays = 7
	maxDailyDays     = 365

	defaultTopHours = 24
	maxTopHours     = 8_760
	defaultTopLimit = 3
	maxTopLimit     = 100
)

type registerRequest struct {
	Name      string `json:"name" validate:"required,min=1,max=128"`
	Email     string `json:"email" validate:"required,email,max=254"`
	RateLimit int    `json:"rate_limit" validate:"omitempty,min=1,max=1000000"`
}

type registerResponse struct {
	CallerID  string    `json:"caller_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	APIKey    string    `json:"api_key"`
	Token     string    `json:"token"`
	RateLimit int       `json:"rate_limit"`
	CreatedAt time.Time `json:"created_at"`
}

// handleRegister creates the caller identity and returns the API key exactly
// once; only the hash, the digest and the sealed copy are persisted.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var request registerRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := validation.Instance.Struct(&request); err != nil {
		writeError(w, s.logger, apperr.Wrap(apperr.KindValidation, err, "invalid registration request"))
		return
	}

	if request.RateLimit == 0 {
		request.RateLimit = s.defaultCeiling
	}

	callerID, err := security.GenerateCallerID()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	hash, err := security.HashAPIKey(apiKey)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	sealed, err := s.encryptor.Encrypt(apiKey)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	caller := &callers.Caller{
		PublicID:        callerID,
		Name:            request.Name,
		Email:           request.Email,
		RateLimit:       request.RateLimit,
		APIKeyHash:      hash,
		APIKeyEncrypted: sealed,
		APIKeyDigest:    security.DigestAPIKey(apiKey),
	}
	if err := s.registry.Create(r.Context(), caller); err != nil {
		writeError(w, s.logger, err)
		return
	}

	token, err := s.tokens.Sign(callerID, request.Email, request.Name)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info().Str("caller_id", callerID).Msg("caller registered")
	writeSuccess(w, http.StatusCreated, "caller registered", registerResponse{
		CallerID:  callerID,
		Name:      caller.Name,
		Email:     caller.Email,
		APIKey:    apiKey,
		Token:     token,
		RateLimit: caller.RateLimit,
		CreatedAt: caller.CreatedAt,
	})
}

type logRequest struct {
	Endpoint  string `json:"endpoint" validate:"required,min=1,max=2048"`
	Method    string `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Status    int    `json:"status" validate:"required,min=100,max=599"`
	ElapsedMS int64  `json:"elapsed_ms" validate:"omitempty,min=0,max=3600000"`
	SourceIP  string `json:"ip" validate:"omitempty,ip"`
	UserAgent string `json:"ua" validate:"omitempty,max=1024"`
}

// handleSubmitLog accepts one activity record. The 201 acknowledges
// admission into the pipeline, not durability.
func (s *Server) handleSubmitLog(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	var request logRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := validation.Instance.Struct(&request); err != nil {
		writeError(w, s.logger, apperr.Wrap(apperr.KindValidation, err, "invalid activity record"))
		return
	}

	record := activitylog.Record{
		CallerID:  principal.CallerID,
		Endpoint:  request.Endpoint,
		Method:    request.Method,
		Status:    request.Status,
		ElapsedMS: request.ElapsedMS,
		SourceIP:  request.SourceIP,
		UserAgent: request.UserAgent,
		Timestamp: time.Now().UTC(),
	}
	s.sink.Submit(record)

	s.publisher.PublishLogEvent(events.LogEvent{
		CallerID:  record.CallerID,
		Endpoint:  record.Endpoint,
		Method:    record.Method,
		Status:    record.Status,
		ElapsedMS: record.ElapsedMS,
		Timestamp: record.Timestamp,
	})

	writeSuccess(w, http.StatusCreated, "activity recorded", nil)
}

type usagePayload struct {
	Data any `json:"data"`
}

func (s *Server) handleDailyUsage(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultDailyDays, 1, maxDailyDays)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	rows, err := s.usage.Daily(r.Context(), days)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if rows == nil {
		rows = []activitylog.DailyUsageRow{}
	}
	writeSuccess(w, http.StatusOK, "daily usage", usagePayload{Data: rows})
}

func (s *Server) handleTopCallers(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", defaultTopHours, 1, maxTopHours)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultTopLimit, 1, maxTopLimit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	rows, err := s.usage.Top(r.Context(), hours, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if rows == nil {
		rows = []activitylog.TopCallerRow{}
	}
	writeSuccess(w, http.StatusOK, "top callers", usagePayload{Data: rows})
}

type callerProfile struct {
	CallerID   string     `json:"caller_id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Active     bool       `json:"active"`
	RateLimit  int        `json:"rate_limit"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	caller, err := s.registry.GetByPublicID(r.Context(), principal.CallerID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, "caller profile", callerProfile{
		CallerID:   caller.PublicID,
		Name:       caller.Name,
		Email:      caller.Email,
		Active:     caller.Active,
		RateLimit:  caller.RateLimit,
		CreatedAt:  caller.CreatedAt,
		LastSeenAt: caller.LastSeenAt,
	})
}

// handleStream upgrades the request into a long-lived SSE stream. EventSource
// clients pass their credential as a query parameter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.resolveStream(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.streamer.Serve(w, r, principal.CallerID, r.URL.Query().Get("channel")); err != nil {
		s.logger.Warn().Err(err).Str("caller_id", principal.CallerID).Msg("live stream ended with error")
	}
}

type healthPayload struct {
	Status       string                       `json:"status"`
	Dependencies map[string]health.PingResult `json:"dependencies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.health.Snapshot()

	if s.health.Healthy() {
		writeSuccess(w, http.StatusOK, "healthy", healthPayload{Status: "healthy", Dependencies: snapshot})
		return
	}

	writeEnvelope(w, envelope{
		Success:        false,
		Message:        "degraded",
		ResponseObject: healthPayload{Status: "degraded", Dependencies: snapshot},
		StatusCode:     http.StatusServiceUnavailable,
	})
}

func queryInt(r *http.Request, name string, fallback, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return 0, apperr.Newf(apperr.KindValidation, "'%s' must be an integer between %d and %d", name, min, max)
	}
	return value, nil
}

type healthReporter interface {
	Healthy() bool
	Snapshot() map[string]health.PingResult
}

type activitySink interface {
	Submit(record activitylog.Record)
}

type usageReader interface {
	Daily(ctx context.Context, days int) ([]activitylog.DailyUsageRow, error)
	Top(ctx context.Context, hours, limit int) ([]activitylog.TopCallerRow, error)
}

type eventPublisher interface {
	PublishLogEvent(event events.LogEvent)
}

type streamServer interface {
	Serve(w http.ResponseWriter, r *http.Request, callerID, channel string) error
}
