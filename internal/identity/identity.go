// Package identity resolves the caller of a request.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// UserHeaderName is set by the authenticating gateway in front of the relay.
	UserHeaderName = "X-User-ID"
	AnonCookieName = "buildrelay_anon_id"

	devicePrefix    = "anon-"
	deviceCookieTTL = 30 * 24 * time.Hour
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)

// Caller is the identity attached to a request.
type Caller struct {
	ID        string
	Anonymous bool
}

type callerKey struct{}

// Options configures how the caller is identified.
type Options struct {
	// TrustHeader accepts UserHeaderName as the caller identity.
	TrustHeader bool
	// AllowAnonymous issues a per-device cookie identity when no trusted
	// header is present.
	AllowAnonymous bool
	// IsDev drops the Secure attribute from the device cookie.
	IsDev bool
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller stored by Middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// WithUserID returns a context carrying an authenticated userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return WithCaller(ctx, Caller{ID: userID})
}

// UserIDFromContext returns the caller ID, or "" for unidentified requests.
func UserIDFromContext(ctx context.Context) string {
	c, _ := CallerFromContext(ctx)
	return c.ID
}

// IsAnonymous reports whether the caller was identified by device cookie only.
func IsAnonymous(ctx context.Context) bool {
	c, _ := CallerFromContext(ctx)
	return c.Anonymous
}

func newDeviceID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return devicePrefix + id.String(), nil
}

func validDeviceID(s string) bool {
	rest, ok := strings.CutPrefix(s, devicePrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

// resolve picks the caller for r, issuing or refreshing the device cookie
// when the request falls back to anonymous identity.
func (o Options) resolve(w http.ResponseWriter, r *http.Request) (Caller, int) {
	if o.TrustHeader {
		if id := strings.TrimSpace(r.Header.Get(UserHeaderName)); userIDPattern.MatchString(id) {
			return Caller{ID: id}, http.StatusOK
		}
	}
	if !o.AllowAnonymous {
		return Caller{}, http.StatusUnauthorized
	}

	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && validDeviceID(c.Value) {
		id = c.Value
	} else if id, err = newDeviceID(); err != nil {
		return Caller{}, http.StatusInternalServerError
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   !o.IsDev,
		SameSite: http.SameSiteLaxMode,
	})
	return Caller{ID: id, Anonymous: true}, http.StatusOK
}

// Middleware injects the caller identity. Requests that cannot be identified
// are rejected with 401.
func Middleware(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, status := opts.resolve(w, r)
			switch status {
			case http.StatusOK:
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
			case http.StatusUnauthorized:
				writeError(w, status, "unauthorized")
			default:
				writeError(w, status, "failed to establish anonymous identity")
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","status":"error"}`))
}

// IPFromRequest returns the remote host without its port.
func IPFromRequest(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
