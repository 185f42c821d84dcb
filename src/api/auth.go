package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"apitracker/src/platform/apperr"
	"apitracker/src/platform/security"
	"apitracker/src/storage/callers"
)

const (
	headerAPIKey = "X-API-Key"
	bearerPrefix = "Bearer "

	// Verified credentials are cached briefly so the bcrypt comparison does
	// not run on every request of a busy caller.
	credentialCacheTTL = 30 * time.Second
)

type principalKey struct{}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	CallerID  string
	Name      string
	Email     string
	RateLimit int
}

func principalFrom(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

type callerRegistry interface {
	Create(ctx context.Context, caller *callers.Caller) error
	GetByPublicID(ctx context.Context, publicID string) (*callers.Caller, error)
	GetByAPIKeyDigest(ctx context.Context, digest string) (*callers.Caller, error)
	TouchLastSeen(ctx context.Context, publicID string) error
}

type tokenVerifier interface {
	Verify(token string) (*security.TokenClaims, error)
}

// authenticator resolves JWTs and API keys to a Principal. Every path fails
// closed: an unresolvable credential is a 401, never a pass-through.
type authenticator struct {
	registry callerRegistry
	tokens   tokenVerifier
	cache    *ttlcache.Cache[string, Principal]
	logger   zerolog.Logger
}

func newAuthenticator(registry callerRegistry, tokens tokenVerifier, logger zerolog.Logger) *authenticator {
	cache := ttlcache.New[string, Principal](
		ttlcache.WithTTL[string, Principal](credentialCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, Principal](),
	)
	go cache.Start()

	return &authenticator{
		registry: registry,
		tokens:   tokens,
		cache:    cache,
		logger:   logger,
	}
}

func (a *authenticator) stop() {
	a.cache.Stop()
}

// requireAPIKey admits only X-API-Key credentials.
func (a *authenticator) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.resolveAPIKey(r.Context(), r.Header.Get(headerAPIKey))
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(a.admit(r.Context(), principal)))
	})
}

// requireAuth admits either a bearer JWT or an API key.
func (a *authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.resolveRequest(r)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(a.admit(r.Context(), principal)))
	})
}

func (a *authenticator) resolveRequest(r *http.Request) (Principal, error) {
	if authorization := r.Header.Get("Authorization"); strings.HasPrefix(authorization, bearerPrefix) {
		return a.resolveToken(r.Context(), strings.TrimPrefix(authorization, bearerPrefix))
	}
	if apiKey := r.Header.Get(headerAPIKey); apiKey != "" {
		return a.resolveAPIKey(r.Context(), apiKey)
	}
	return Principal{}, apperr.New(apperr.KindUnauthenticated, "missing credentials")
}

// resolveStream authenticates the SSE endpoint, where EventSource clients
// cannot set headers and pass the credential as a query parameter instead.
func (a *authenticator) resolveStream(r *http.Request) (Principal, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return a.resolveToken(r.Context(), token)
	}
	if apiKey := r.URL.Query().Get("apiKey"); apiKey != "" {
		return a.resolveAPIKey(r.Context(), apiKey)
	}
	return a.resolveRequest(r)
}

func (a *authenticator) resolveToken(ctx context.Context, token string) (Principal, error) {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "invalid token")
	}

	caller, err := a.registry.GetByPublicID(ctx, claims.CallerID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return Principal{}, apperr.New(apperr.KindUnauthenticated, "unknown caller")
		}
		return Principal{}, err
	}
	return a.activePrincipal(caller)
}

func (a *authenticator) resolveAPIKey(ctx context.Context, apiKey string) (Principal, error) {
	if apiKey == "" {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "missing api key")
	}

	digest := security.DigestAPIKey(apiKey)
	if item := a.cache.Get(digest); item != nil {
		return item.Value(), nil
	}

	caller, err := a.registry.GetByAPIKeyDigest(ctx, digest)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return Principal{}, apperr.New(apperr.KindUnauthenticated, "invalid api key")
		}
		return Principal{}, err
	}
	if !security.CompareAPIKey(caller.APIKeyHash, apiKey) {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "invalid api key")
	}

	principal, err := a.activePrincipal(caller)
	if err != nil {
		return Principal{}, err
	}

	a.cache.Set(digest, principal, ttlcache.DefaultTTL)
	return principal, nil
}

func (a *authenticator) activePrincipal(caller *callers.Caller) (Principal, error) {
	if !caller.Active {
		return Principal{}, apperr.New(apperr.KindForbidden, "caller is deactivated")
	}
	return Principal{
		CallerID:  caller.PublicID,
		Name:      caller.Name,
		Email:     caller.Email,
		RateLimit: caller.RateLimit,
	}, nil
}

// admit attaches the principal and touches last-seen without holding up the
// request.
func (a *authenticator) admit(ctx context.Context, principal Principal) context.Context {
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.registry.TouchLastSeen(touchCtx, principal.CallerID); err != nil {
			a.logger.Debug().Err(err).Str("caller_id", principal.CallerID).Msg("last-seen touch failed")
		}
	}()

	return context.WithValue(ctx, principalKey{}, principal)
}
