package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metadata/memory"
)

func newAuth(t *testing.T, cfg Config) *Auth {
	t.Helper()
	users := memory.New()
	users.AddUser(metadata.User{ID: 7, Username: "seven", Token: "tok-7"})
	return New(users, cfg)
}

func serve(a *Auth, r *http.Request) (*httptest.ResponseRecorder, *Requester) {
	var got *Requester
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, got
}

func TestAnonymous(t *testing.T) {
	a := newAuth(t, Config{})
	w, req := serve(a, httptest.NewRequest(http.MethodGet, "/disk/0", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, req)
	assert.Nil(t, req.User)
	assert.False(t, req.APIKey)
}

func TestQueryTokenSetsCookie(t *testing.T) {
	a := newAuth(t, Config{})
	w, req := serve(a, httptest.NewRequest(http.MethodGet, "/disk/7?token=tok-7", nil))
	require.NotNil(t, req.User)
	assert.Equal(t, 7, req.User.ID)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, TokenCookie, cookies[0].Name)
	assert.Equal(t, "tok-7", cookies[0].Value)
}

func TestCookieToken(t *testing.T) {
	a := newAuth(t, Config{})
	r := httptest.NewRequest(http.MethodGet, "/disk/7", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "tok-7"})
	w, req := serve(a, r)
	require.NotNil(t, req.User)
	assert.Empty(t, w.Result().Cookies())

	r = httptest.NewRequest(http.MethodGet, "/disk/7", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "wrong"})
	_, req = serve(a, r)
	assert.Nil(t, req.User)
}

func TestAPIKey(t *testing.T) {
	a := newAuth(t, Config{APIKey: "sk-test"})
	tests := []struct {
		header string
		code   int
		apiKey bool
	}{
		{"Bearer sk-test", http.StatusOK, true},
		{"Token x sk-test", http.StatusOK, true},
		{"Bearer nope", http.StatusForbidden, false},
		{"sk-test", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/disk/9", nil)
		r.Header.Set("Authorization", tt.header)
		w, req := serve(a, r)
		assert.Equal(t, tt.code, w.Code, tt.header)
		if tt.code == http.StatusOK {
			assert.Equal(t, tt.apiKey, req.APIKey, tt.header)
		}
	}
}

func TestHashedAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sk-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	a := newAuth(t, Config{APIKey: string(hash)})

	r := httptest.NewRequest(http.MethodGet, "/disk/9", nil)
	r.Header.Set("Authorization", "Bearer sk-secret")
	w, req := serve(a, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, req.APIKey)
}

func TestBearerToken(t *testing.T) {
	a := newAuth(t, Config{JWTSecret: "secret"})
	tokenStr, expires, err := a.IssueToken(&metadata.User{ID: 7, Username: "seven"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(tokenLifetime), expires, time.Minute)

	r := httptest.NewRequest(http.MethodGet, "/disk/7", nil)
	r.Header.Set("Authorization", "Bearer "+tokenStr)
	w, req := serve(a, r)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, req.User)
	assert.Equal(t, 7, req.User.ID)

	other := newAuth(t, Config{JWTSecret: "other"})
	w, _ = serve(other, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExpiredBearerToken(t *testing.T) {
	a := newAuth(t, Config{JWTSecret: "secret"})
	a.now = func() time.Time { return time.Now().Add(-2 * tokenLifetime) }
	tokenStr, _, err := a.IssueToken(&metadata.User{ID: 7})
	require.NoError(t, err)
	a.now = time.Now

	_, err = a.validateToken(tokenStr)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestHandleToken(t *testing.T) {
	a := newAuth(t, Config{JWTSecret: "secret"})
	h := a.Middleware(http.HandlerFunc(a.HandleToken))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/token", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/token", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "tok-7"})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"token":"`)
}
