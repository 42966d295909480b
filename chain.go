package hubauth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/mcpcentral/hubauth/instrumentation"
	"github.com/mcpcentral/hubauth/security"
)

// Fixed 401 messages for the two credential outcomes. Clients of the hub's
// API key off these strings, so they are part of the contract.
const (
	msgNoToken      = "No token, authorization denied"
	msgInvalidToken = "Token is not valid"
)

// Chain enforces the hub's request-authentication precedence: the readonly
// gate, then the global bypass, then each Authenticator in order, then a 401.
// The first strategy that recognizes a credential decides the request; later
// strategies never see it.
type Chain struct {
	config          *Config
	authenticators  []Authenticator
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// NewChain builds the authentication chain. The order of authenticators is
// the order they are consulted in.
func NewChain(config *Config, logger *slog.Logger, authenticators ...Authenticator) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		config:         config,
		authenticators: authenticators,
		logger:         logger,
	}
}

// SetAuditor sets the security auditor.
func (c *Chain) SetAuditor(aud *security.Auditor) { c.auditor = aud }

// SetInstrumentation sets OpenTelemetry instrumentation.
func (c *Chain) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
}

// Middleware wraps next with the full precedence chain. On success the
// resolved principal is attached to the request context.
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = security.EnsureRequestID(w, r)

		if c.config.Readonly && mutatingMethod(r.Method) && !c.readonlyExempt(r.URL.Path) {
			writeJSONError(w, http.StatusForbidden, "access_denied", "The hub is in readonly mode")
			return
		}

		if c.config.SkipAuth {
			principal := &Principal{Username: "anonymous", Admin: true, Method: AuthMethodBypass}
			c.recordOutcome(r, AuthMethodBypass, "allowed")
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
			return
		}

		for _, auth := range c.authenticators {
			principal, matched, err := auth.Authenticate(r)
			if !matched {
				continue
			}
			if err != nil {
				c.logger.Debug("Credential rejected",
					"authenticator", auth.Name(),
					"path", r.URL.Path,
					"request_id", security.RequestID(r.Context()),
					"error", err)
				c.auditFailure(r, auth.Name(), err)
				c.recordOutcome(r, auth.Name(), "denied")
				writeUnauthorized(w, msgInvalidToken)
				return
			}

			c.recordOutcome(r, auth.Name(), "allowed")
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
			return
		}

		c.recordOutcome(r, "none", "denied")
		writeUnauthorized(w, msgNoToken)
	})
}

// readonlyExempt reports whether a path stays writable in readonly mode. The
// auth endpoints themselves are always exempt so users can still sign in.
func (c *Chain) readonlyExempt(path string) bool {
	if strings.HasPrefix(path, "/oauth/") || strings.HasPrefix(path, "/.well-known/") {
		return true
	}
	for _, prefix := range c.config.ReadonlyExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *Chain) auditFailure(r *http.Request, method string, err error) {
	if c.auditor == nil {
		return
	}
	c.auditor.LogEvent(security.Event{
		Type:      security.EventAuthFailure,
		IPAddress: security.GetClientIP(r, c.config.TrustProxy, c.config.TrustedProxyCount),
		RequestID: security.RequestID(r.Context()),
		Details:   map[string]any{"reason": method + ": " + err.Error()},
	})
}

func (c *Chain) recordOutcome(r *http.Request, method, outcome string) {
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordChainOutcome(r.Context(), method, outcome)
	}
}

// mutatingMethod reports whether an HTTP method writes state.
func mutatingMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// writeUnauthorized emits the chain's 401 with the fixed message and a
// WWW-Authenticate challenge.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+message+`"`)
	writeJSONError(w, http.StatusUnauthorized, "invalid_token", message)
}
