package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

// ErrUnauthenticated is returned when a request carries a credential that
// no provider accepts, or carries none while authentication is required.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the resolved caller of a request.
type Identity struct {
	UserID   string
	Provider string // "static", "header" or "none"
}

// Provider resolves a caller identity from a request.
type Provider interface {
	// Name returns the provider name (e.g., "static").
	Name() string

	// Authenticate returns ok=false when the request carries no credential
	// this provider understands. A non-nil error means a credential was
	// present and rejected.
	Authenticate(r *http.Request) (userID string, ok bool, err error)
}

// Manager tries providers in registration order.
type Manager struct {
	providers   []Provider
	audit       *AuditLogger
	requireAuth bool
}

// NewManager creates an identity manager. With requireAuth unset, requests
// no provider recognizes resolve to usage.UnknownUser.
func NewManager(audit *AuditLogger, requireAuth bool) *Manager {
	return &Manager{audit: audit, requireAuth: requireAuth}
}

// RegisterProvider adds an identity provider.
func (m *Manager) RegisterProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// ProviderCount returns the number of registered providers.
func (m *Manager) ProviderCount() int {
	return len(m.providers)
}

// Resolve returns the caller identity of r.
func (m *Manager) Resolve(r *http.Request) (Identity, error) {
	for _, p := range m.providers {
		userID, ok, err := p.Authenticate(r)
		if err != nil {
			metrics.AuthRequests.WithLabelValues(p.Name(), "failure").Inc()
			m.log(r, p.Name(), "", err)
			return Identity{}, fmt.Errorf("auth.Resolve: provider %s: %w: %v", p.Name(), ErrUnauthenticated, err)
		}
		if !ok {
			continue
		}
		metrics.AuthRequests.WithLabelValues(p.Name(), "success").Inc()
		m.log(r, p.Name(), userID, nil)
		return Identity{UserID: userID, Provider: p.Name()}, nil
	}

	if m.requireAuth {
		metrics.AuthRequests.WithLabelValues("none", "failure").Inc()
		m.log(r, "none", "", ErrUnauthenticated)
		return Identity{}, fmt.Errorf("auth.Resolve: no credentials: %w", ErrUnauthenticated)
	}
	metrics.AuthRequests.WithLabelValues("none", "anonymous").Inc()
	return Identity{UserID: usage.UnknownUser, Provider: "none"}, nil
}

func (m *Manager) log(r *http.Request, provider, userID string, err error) {
	if m.audit == nil {
		return
	}
	entry := AuditEntry{
		Timestamp: time.Now(),
		Provider:  provider,
		UserID:    userID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Success:   err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	m.audit.Log(entry)
}

// Middleware resolves the caller and stores it in the request context.
// Rejected requests get 401.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.Resolve(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="blobgate"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id.UserID)))
	})
}

type userKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the caller stored by Middleware, or
// usage.UnknownUser.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return usage.UnknownUser
}
