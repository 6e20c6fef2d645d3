package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsAnonymous(r.Context()) {
			w.Header().Set("X-Anonymous", "true")
		}
		_, _ = w.Write([]byte(UserIDFromContext(r.Context())))
	})
}

func TestMiddlewareTrustsHeader(t *testing.T) {
	h := Middleware(Options{TrustHeader: true})(echoUser())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "user-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", w.Body.String())
	assert.Empty(t, w.Header().Get("X-Anonymous"))
}

func TestMiddlewareRejectsUnidentified(t *testing.T) {
	h := Middleware(Options{TrustHeader: true})(echoUser())
	for _, header := range []string{"", "bad user/id"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(UserHeaderName, header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestMiddlewareIgnoresHeaderWhenUntrusted(t *testing.T) {
	h := Middleware(Options{AllowAnonymous: true, IsDev: true})(echoUser())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "spoofed")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.NotEqual(t, "spoofed", w.Body.String())
	assert.True(t, validDeviceID(w.Body.String()))
	assert.Equal(t, "true", w.Header().Get("X-Anonymous"))
}

func TestMiddlewareReusesAnonCookie(t *testing.T) {
	h := Middleware(Options{AllowAnonymous: true})(echoUser())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := first.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.True(t, cookies[0].Secure)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestMiddlewareReplacesInvalidCookie(t *testing.T) {
	h := Middleware(Options{AllowAnonymous: true})(echoUser())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "not-an-id"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.True(t, validDeviceID(w.Body.String()))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", IPFromRequest(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPFromRequest(req))
}

func TestCallerContext(t *testing.T) {
	_, ok := CallerFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)

	ctx := WithCaller(t.Context(), Caller{ID: "anon-x", Anonymous: true})
	assert.Equal(t, "anon-x", UserIDFromContext(ctx))
	assert.True(t, IsAnonymous(ctx))
	assert.False(t, IsAnonymous(WithUserID(ctx, "user-1")))
}

func TestValidDeviceID(t *testing.T) {
	id, err := newDeviceID()
	require.NoError(t, err)
	assert.True(t, validDeviceID(id))
	assert.False(t, validDeviceID("anon-"+strings.ReplaceAll(id[5:], "-", "")))
	assert.False(t, validDeviceID(id[5:]))
}
