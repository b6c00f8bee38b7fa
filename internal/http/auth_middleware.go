package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/crypto"
	jwtpkg "github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	Operator string
	Scope    string
}

func (a authInfo) canWrite() bool { return a.Scope == jwtpkg.ScopeWrite }

const (
	contextKeyAuth authContextKey = "deploy-manager-auth-info"
	apiKeyOperator                = "api-key"
)

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// requireWrite additionally demands the write scope. Read-only tokens may
// still inspect records and subscribe to streams.
func (r *Router) requireWrite(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet {
			next(w, req)
			return
		}
		info, ok := authInfoFromContext(req.Context())
		if !ok || !info.canWrite() {
			writeError(w, http.StatusForbidden, "write scope required")
			return
		}
		next(w, req)
	}
}

// ensureAuth validates the Authorization header and enriches the context.
// Browsers cannot set headers on EventSource, so streams may pass the token
// as access_token.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	header := req.Header.Get("Authorization")
	if header == "" && isStreamPath(req.URL.Path) {
		if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
			header = "Bearer " + token
		}
	}
	token, err := bearerToken(header)
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	info, err := r.authorize(token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authorize accepts an operator JWT, or the static API key when its bcrypt
// hash is configured.
func (r *Router) authorize(token string) (authInfo, error) {
	claims, err := jwtpkg.Parse(token, r.jwtSecret)
	if err == nil {
		return authInfo{Operator: claims.Operator, Scope: claims.Scope}, nil
	}
	if len(r.apiKeyHash) > 0 && !strings.Contains(token, ".") {
		if cerr := crypto.ComparePassword(r.apiKeyHash, token); cerr == nil {
			return authInfo{Operator: apiKeyOperator, Scope: jwtpkg.ScopeWrite}, nil
		}
		return authInfo{}, errors.New("api key mismatch")
	}
	return authInfo{}, err
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func isStreamPath(path string) bool {
	return strings.HasPrefix(path, "/streams/") || strings.HasPrefix(path, "/ws/")
}
