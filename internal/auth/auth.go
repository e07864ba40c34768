// Package auth resolves the requester of an HTTP request: a user looked up
// by session token, a user named by a signed bearer token, or a script
// presenting the server API key.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metrics"
)

type contextKey string

const requesterContextKey contextKey = "requester"

// TokenCookie is the session cookie holding a user token.
const TokenCookie = "token"

const (
	cookieLifetime = 30 * 24 * time.Hour
	tokenLifetime  = 30 * 24 * time.Hour
	issuer         = "filelist"
)

// Claims holds bearer token claims.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Requester is whoever sent a request. User is nil for anonymous requests.
// APIKey is set when the request carried the server API key; such requests
// skip the access gate.
type Requester struct {
	User   *metadata.User
	APIKey bool
}

// Config configures an Auth.
type Config struct {
	// APIKey is compared with the last word of the Authorization header.
	// A value starting with "$2" is treated as a bcrypt hash.
	APIKey    string
	JWTSecret string
}

// Auth resolves requesters.
type Auth struct {
	users  metadata.UserStore
	apiKey string
	secret []byte
	now    func() time.Time
}

// New returns an Auth looking accounts up in users.
func New(users metadata.UserStore, cfg Config) *Auth {
	return &Auth{
		users:  users,
		apiKey: cfg.APIKey,
		secret: []byte(cfg.JWTSecret),
		now:    time.Now,
	}
}

// FromContext returns the requester stored by Middleware.
func FromContext(ctx context.Context) *Requester {
	if r, ok := ctx.Value(requesterContextKey).(*Requester); ok {
		return r
	}
	return &Requester{}
}

// WithRequester stores r in ctx.
func WithRequester(ctx context.Context, r *Requester) context.Context {
	return context.WithValue(ctx, requesterContextKey, r)
}

// Middleware resolves the requester and stores it in the request context.
// An Authorization header that is neither a valid bearer token nor the API
// key fails the request: 400 when it has a single word, 403 otherwise.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, status := a.resolve(w, r)
		if status != 0 {
			sendError(w, status, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), req)))
	})
}

func (a *Auth) resolve(w http.ResponseWriter, r *http.Request) (*Requester, int) {
	ctx := r.Context()
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) < 2 {
			metrics.RecordAuthAttempt("header", false)
			return nil, http.StatusBadRequest
		}
		credential := parts[len(parts)-1]
		if strings.EqualFold(parts[0], "Bearer") && len(a.secret) > 0 {
			if u, err := a.bearerUser(ctx, credential); err == nil {
				metrics.RecordAuthAttempt("jwt", true)
				return &Requester{User: u}, 0
			}
		}
		if a.checkAPIKey(credential) {
			metrics.RecordAuthAttempt("apikey", true)
			return &Requester{APIKey: true}, 0
		}
		metrics.RecordAuthAttempt("header", false)
		logging.WithContext(ctx).Warn("rejected authorization header", zap.String("scheme", parts[0]))
		return nil, http.StatusForbidden
	}

	token := ""
	fromQuery := false
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		token = c.Value
	} else if q := r.URL.Query().Get("token"); q != "" {
		token, fromQuery = q, true
	}
	if token == "" {
		return &Requester{}, 0
	}
	u, err := a.users.UserByToken(ctx, token)
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			logging.WithContext(ctx).Error("user lookup failed", zap.Error(err))
		}
		metrics.RecordAuthAttempt("token", false)
		return &Requester{}, 0
	}
	if fromQuery {
		http.SetCookie(w, &http.Cookie{
			Name:     TokenCookie,
			Value:    token,
			Path:     "/",
			Expires:  a.now().Add(cookieLifetime),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	metrics.RecordAuthAttempt("token", true)
	return &Requester{User: u}, 0
}

func (a *Auth) checkAPIKey(credential string) bool {
	if a.apiKey == "" {
		return false
	}
	if strings.HasPrefix(a.apiKey, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(a.apiKey), []byte(credential)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.apiKey), []byte(credential)) == 1
}

func (a *Auth) bearerUser(ctx context.Context, tokenStr string) (*metadata.User, error) {
	claims, err := a.validateToken(tokenStr)
	if err != nil {
		return nil, err
	}
	return a.users.UserByID(ctx, claims.UserID)
}

// IssueToken signs a bearer token for u.
func (a *Auth) IssueToken(u *metadata.User) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, apperr.E(apperr.Validation, "bearer tokens are disabled")
	}
	now := a.now()
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		IsAdmin:  u.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// HandleToken handles POST /api/token: it issues a bearer token for the
// signed-in user so scripts can authenticate without the session cookie.
func (a *Auth) HandleToken(w http.ResponseWriter, r *http.Request) {
	req := FromContext(r.Context())
	if req.User == nil {
		sendError(w, http.StatusForbidden, "Unauthorized")
		return
	}
	tokenStr, expires, err := a.IssueToken(req.User)
	if err != nil {
		logging.WithContext(r.Context()).Error("issue token", zap.Error(err))
		sendError(w, apperr.HTTPStatus(err), apperr.Message(err))
		return
	}
	logging.WithContext(r.Context()).Info("token issued", zap.Int("user_id", req.User.ID))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"err":        0,
		"token":      tokenStr,
		"expires_at": expires,
	})
}

func sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"err": 1, "msg": msg})
}
