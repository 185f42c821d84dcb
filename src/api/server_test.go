package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/platform/apperr"
	"apitracker/src/platform/health"
	"apitracker/src/platform/security"
	"apitracker/src/services/events"
	"apitracker/src/services/ratelimit"
	"apitracker/src/storage/activitylog"
	"apitracker/src/storage/callers"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeRegistry struct {
	mu       sync.Mutex
	byID     map[string]*callers.Caller
	byDigest map[string]*callers.Caller
	byEmail  map[string]*callers.Caller
	touched  []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		byID:     make(map[string]*callers.Caller),
		byDigest: make(map[string]*callers.Caller),
		byEmail:  make(map[string]*callers.Caller),
	}
}

func (f *fakeRegistry) Create(_ context.Context, caller *callers.Caller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byEmail[caller.Email]; exists {
		return apperr.Newf(apperr.KindConflict, "caller with email '%s' already exists", caller.Email)
	}
	caller.Active = true
	caller.CreatedAt = time.Now().UTC()
	f.byID[caller.PublicID] = caller
	f.byDigest[caller.APIKeyDigest] = caller
	f.byEmail[caller.Email] = caller
	return nil
}

func (f *fakeRegistry) GetByPublicID(_ context.Context, publicID string) (*callers.Caller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	caller, found := f.byID[publicID]
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "caller not found")
	}
	return caller, nil
}

func (f *fakeRegistry) GetByAPIKeyDigest(_ context.Context, digest string) (*callers.Caller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	caller, found := f.byDigest[digest]
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "caller not found")
	}
	return caller, nil
}

func (f *fakeRegistry) TouchLastSeen(_ context.Context, publicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, publicID)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []activitylog.Record
}

func (f *fakeSink) Submit(record activitylog.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

type fakeUsage struct {
	daily     []activitylog.DailyUsageRow
	top       []activitylog.TopCallerRow
	lastDays  int
	lastHours int
	lastLimit int
}

func (f *fakeUsage) Daily(_ context.Context, days int) ([]activitylog.DailyUsageRow, error) {
	f.lastDays = days
	return f.daily, nil
}

func (f *fakeUsage) Top(_ context.Context, hours, limit int) ([]activitylog.TopCallerRow, error) {
	f.lastHours = hours
	f.lastLimit = limit
	return f.top, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (f *fakeLimiter) Check(_ context.Context, _ string, ceiling int) (ratelimit.Decision, error) {
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	decision := f.decision
	if decision.Limit == 0 {
		decision.Limit = ceiling
	}
	return decision, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.LogEvent
}

func (f *fakePublisher) PublishLogEvent(event events.LogEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) Healthy() bool { return f.healthy }

func (f *fakeHealth) Snapshot() map[string]health.PingResult {
	return map[string]health.PingResult{}
}

type fakeStreamer struct{ served bool }

func (f *fakeStreamer) Serve(w http.ResponseWriter, _ *http.Request, _, _ string) error {
	f.served = true
	w.WriteHeader(http.StatusOK)
	return nil
}

type testHarness struct {
	server    *Server
	handler   http.Handler
	registry  *fakeRegistry
	sink      *fakeSink
	usage     *fakeUsage
	limiter   *fakeLimiter
	publisher *fakePublisher
	healthRep *fakeHealth
	streamer  *fakeStreamer
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	encryptor, err := security.NewEncryptor(testEncryptionKey)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	h := &testHarness{
		registry:  newFakeRegistry(),
		sink:      &fakeSink{},
		usage:     &fakeUsage{},
		limiter:   &fakeLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 10, ResetAt: time.Now().Add(time.Hour)}},
		publisher: &fakePublisher{},
		healthRep: &fakeHealth{healthy: true},
		streamer:  &fakeStreamer{},
	}

	tokens := security.NewTokenIssuer("test-secret-which-is-long-enough-0001", time.Hour)
	h.server = &Server{
		logger:         zerolog.Nop(),
		auth:           newAuthenticator(h.registry, tokens, zerolog.Nop()),
		limiter:        h.limiter,
		sink:           h.sink,
		usage:          h.usage,
		publisher:      h.publisher,
		streamer:       h.streamer,
		registry:       h.registry,
		tokens:         tokens,
		encryptor:      encryptor,
		health:         h.healthRep,
		defaultCeiling: 1000,
		window:         time.Hour,
	}
	h.handler = h.server.routes()
	t.Cleanup(h.server.auth.stop)
	return h
}

func (h *testHarness) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	for key, value := range header {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *testHarness) register(t *testing.T, email string) registerResponse {
	t.Helper()
	recorder := h.do("POST", "/api/register",
		fmt.Sprintf(`{"name":"Acme","email":%q}`, email), nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", recorder.Code, recorder.Body.String())
	}

	var body struct {
		ResponseObject registerResponse `json:"responseObject"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return body.ResponseObject
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return body
}

func TestRegisterCreatesCaller(t *testing.T) {
	h := newHarness(t)

	response := h.register(t, "a@acme.com")

	if !strings.HasPrefix(response.CallerID, "CL-") || len(response.CallerID) != 15 {
		t.Errorf("caller id = %s, want CL-<12 hex>", response.CallerID)
	}
	if response.APIKey == "" || response.Token == "" {
		t.Error("api key or token missing from registration response")
	}
	if response.RateLimit != 1000 {
		t.Errorf("rate limit = %d, want the default 1000", response.RateLimit)
	}
	if response.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@acme.com")

	recorder := h.do("POST", "/api/register", `{"name":"Acme","email":"a@acme.com"}`, nil)

	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}
	body := decodeEnvelope(t, recorder)
	if body.Success {
		t.Error("conflict response marked successful")
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)

	for _, payload := range []string{
		`{"name":"Acme"}`,
		`{"name":"Acme","email":"not-an-email"}`,
		`{"email":"a@acme.com"}`,
		`{not json`,
	} {
		recorder := h.do("POST", "/api/register", payload, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("payload %s: status = %d, want 400", payload, recorder.Code)
		}
	}
}

func TestSubmitLogRequiresAPIKey(t *testing.T) {
	h := newHarness(t)

	recorder := h.do("POST", "/api/logs", `{"endpoint":"/x","method":"GET","status":200}`, nil)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestSubmitLogRecordsAndPublishes(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")

	recorder := h.do("POST", "/api/logs",
		`{"endpoint":"/api/orders","method":"POST","status":201,"elapsed_ms":12}`,
		map[string]string{headerAPIKey: registration.APIKey})

	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", recorder.Code, recorder.Body.String())
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.records) != 1 {
		t.Fatalf("sink received %d records, want 1", len(h.sink.records))
	}
	record := h.sink.records[0]
	if record.CallerID != registration.CallerID {
		t.Errorf("record caller = %s, want %s", record.CallerID, registration.CallerID)
	}
	if record.Timestamp.IsZero() {
		t.Error("record timestamp not assigned server-side")
	}

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.events) != 1 || h.publisher.events[0].CallerID != registration.CallerID {
		t.Error("activity event not published")
	}
}

func TestSubmitLogRejectsWrongKey(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@acme.com")

	recorder := h.do("POST", "/api/logs", `{"endpoint":"/x","method":"GET","status":200}`,
		map[string]string{headerAPIKey: "definitely-not-a-key"})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestRateLimitHeadersOnAllowedRequest(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")
	h.limiter.decision = ratelimit.Decision{Allowed: true, Limit: 1000, Remaining: 997, ResetAt: time.Now().Add(time.Hour)}

	recorder := h.do("POST", "/api/logs",
		`{"endpoint":"/x","method":"GET","status":200}`,
		map[string]string{headerAPIKey: registration.APIKey})

	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d", recorder.Code)
	}
	if got := recorder.Header().Get("X-RateLimit-Limit"); got != "1000" {
		t.Errorf("X-RateLimit-Limit = %s", got)
	}
	if got := recorder.Header().Get("X-RateLimit-Remaining"); got != "997" {
		t.Errorf("X-RateLimit-Remaining = %s", got)
	}
	if got := recorder.Header().Get("X-RateLimit-Window"); got != "3600s" {
		t.Errorf("X-RateLimit-Window = %s", got)
	}
	if recorder.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing")
	}
}

func TestRateLimitDenialReturns429(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")
	h.limiter.decision = ratelimit.Decision{Allowed: false, Limit: 2, Remaining: 0, ResetAt: time.Now().Add(time.Hour)}

	recorder := h.do("POST", "/api/logs",
		`{"endpoint":"/x","method":"GET","status":200}`,
		map[string]string{headerAPIKey: registration.APIKey})

	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", recorder.Code)
	}
	if recorder.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on 429")
	}
	if !strings.Contains(recorder.Body.String(), `"code":"RATE_LIMIT_EXCEEDED"`) {
		t.Errorf("body missing error code: %s", recorder.Body.String())
	}
	if len(h.sink.records) != 0 {
		t.Error("denied request still reached the sink")
	}
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")
	h.limiter.err = fmt.Errorf("unexpected script reply")

	recorder := h.do("POST", "/api/logs",
		`{"endpoint":"/x","method":"GET","status":200}`,
		map[string]string{headerAPIKey: registration.APIKey})

	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, want fail-open 201", recorder.Code)
	}
}

func TestDailyUsageWithJWT(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")
	h.usage.daily = []activitylog.DailyUsageRow{{CallerID: registration.CallerID, Count: 3}}

	recorder := h.do("GET", "/api/usage/daily", "",
		map[string]string{"Authorization": "Bearer " + registration.Token})

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", recorder.Code, recorder.Body.String())
	}
	if h.usage.lastDays != 7 {
		t.Errorf("days = %d, want default 7", h.usage.lastDays)
	}
	if !strings.Contains(recorder.Body.String(), `"data":[`) {
		t.Errorf("body missing data array: %s", recorder.Body.String())
	}
}

func TestDailyUsageValidatesDays(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")

	for _, days := range []string{"0", "-3", "boom", "400"} {
		recorder := h.do("GET", "/api/usage/daily?days="+days, "",
			map[string]string{"Authorization": "Bearer " + registration.Token})
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("days=%s: status = %d, want 400", days, recorder.Code)
		}
	}
}

func TestTopCallersPassesParameters(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")

	recorder := h.do("GET", "/api/usage/top?hours=168&limit=10", "",
		map[string]string{headerAPIKey: registration.APIKey})

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if h.usage.lastHours != 168 || h.usage.lastLimit != 10 {
		t.Errorf("passed (%d, %d), want (168, 10)", h.usage.lastHours, h.usage.lastLimit)
	}
}

func TestTopCallersDefaults(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")

	h.do("GET", "/api/usage/top", "", map[string]string{headerAPIKey: registration.APIKey})

	if h.usage.lastHours != 24 || h.usage.lastLimit != 3 {
		t.Errorf("defaults = (%d, %d), want (24, 3)", h.usage.lastHours, h.usage.lastLimit)
	}
}

func TestCallersMe(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")

	recorder := h.do("GET", "/api/callers/me", "",
		map[string]string{"Authorization": "Bearer " + registration.Token})

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), registration.CallerID) {
		t.Errorf("profile missing caller id: %s", recorder.Body.String())
	}
	if strings.Contains(recorder.Body.String(), registration.APIKey) {
		t.Error("profile leaked the api key")
	}
}

func TestDeactivatedCallerForbidden(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")
	h.registry.byID[registration.CallerID].Active = false

	recorder := h.do("GET", "/api/usage/daily", "",
		map[string]string{"Authorization": "Bearer " + registration.Token})

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", recorder.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	if recorder := h.do("GET", "/api/health", "", nil); recorder.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", recorder.Code)
	}

	h.healthRep.healthy = false
	if recorder := h.do("GET", "/api/health", "", nil); recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", recorder.Code)
	}
}

func TestStreamAuthenticatesQueryToken(t *testing.T) {
	h := newHarness(t)
	registration := h.register(t, "a@acme.com")

	recorder := h.do("GET", "/api/usage/stream?token="+registration.Token, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", recorder.Code, recorder.Body.String())
	}
	if !h.streamer.served {
		t.Error("streamer was not invoked")
	}
}

func TestStreamRejectsAnonymous(t *testing.T) {
	h := newHarness(t)

	recorder := h.do("GET", "/api/usage/stream", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	h := newHarness(t)

	recorder := h.do("GET", "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "apitracker_") {
		t.Error("metrics output missing application collectors")
	}
}
