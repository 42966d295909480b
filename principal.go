package hubauth

import (
	"context"
	"errors"
	"net/http"
)

// Authentication methods a request can resolve through. Recorded on the
// principal so downstream handlers can audit how a request was admitted.
const (
	AuthMethodBypass    = "bypass"
	AuthMethodBearerKey = "bearer_key"
	AuthMethodOAuth     = "oauth"
	AuthMethodSession   = "session"
)

// Credential resolution errors. ErrNoCredential means the request carried
// nothing to check; the other cases mean a credential was presented and
// failed, which callers log differently even though both end in a 401.
var (
	ErrNoCredential      = errors.New("no credential presented")
	ErrInvalidCredential = errors.New("credential is not valid")
)

// KeyAccess carries the access scope of a bearer-key principal.
type KeyAccess struct {
	AccessType     string // all|groups|servers|custom
	AllowedGroups  []string
	AllowedServers []string
}

// Principal is the resolved identity attached to an authenticated request.
type Principal struct {
	Username string
	Admin    bool

	// Method records which authentication mechanism admitted the request
	Method string

	// KeyAccess is set only for bearer-key principals
	KeyAccess *KeyAccess
}

// PrincipalResolver resolves an inbound request to a principal. The authorize
// endpoint depends on this interface rather than any concrete session
// mechanism, so code issuance stays decoupled from how users sign in.
type PrincipalResolver interface {
	// Resolve returns the request's principal, ErrNoCredential when the
	// request carries no credential, or an error wrapping
	// ErrInvalidCredential when one was presented and failed.
	Resolve(r *http.Request) (*Principal, error)
}

type principalContextKey struct{}

// ContextWithPrincipal attaches a principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// AuthenticatorResolver adapts an Authenticator into a PrincipalResolver for
// the authorize endpoint.
type AuthenticatorResolver struct {
	auth Authenticator
}

// NewAuthenticatorResolver wraps an authenticator as a resolver.
func NewAuthenticatorResolver(auth Authenticator) *AuthenticatorResolver {
	return &AuthenticatorResolver{auth: auth}
}

// Resolve implements PrincipalResolver.
func (a *AuthenticatorResolver) Resolve(r *http.Request) (*Principal, error) {
	principal, matched, err := a.auth.Authenticate(r)
	if !matched {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	return principal, nil
}
