package hubauth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mcpcentral/hubauth/security"
	"github.com/mcpcentral/hubauth/storage"
)

// maxRegistrationBodySize bounds registration request bodies.
const maxRegistrationBodySize = 64 * 1024

// Handler adapts the OAuth core to HTTP. It owns routing, request parsing,
// and response encoding; all flow semantics live on Server.
type Handler struct {
	server     *Server
	resolver   PrincipalResolver
	regLimiter *security.ClientRegistrationRateLimiter
	logger     *slog.Logger
}

// NewHandler creates an HTTP handler over the OAuth core. The resolver
// decides who the authorize endpoint's end user is; pass the hub's session
// resolver.
func NewHandler(server *Server, resolver PrincipalResolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:   server,
		resolver: resolver,
		logger:   logger,
	}
}

// SetRegistrationRateLimiter sets the time-windowed per-IP limiter for
// dynamic client registration.
func (h *Handler) SetRegistrationRateLimiter(rl *security.ClientRegistrationRateLimiter) {
	h.regLimiter = rl
}

// RegisterRoutes attaches all OAuth endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /oauth/authorize", h.instrumented("/oauth/authorize", h.serveAuthorizePage))
	mux.HandleFunc("POST /oauth/authorize", h.instrumented("/oauth/authorize", h.serveAuthorizeDecision))
	mux.HandleFunc("POST /oauth/token", h.instrumented("/oauth/token", h.serveToken))
	mux.HandleFunc("GET /oauth/userinfo", h.instrumented("/oauth/userinfo", h.serveUserinfo))
	mux.HandleFunc("POST /oauth/revoke", h.instrumented("/oauth/revoke", h.serveRevoke))
	mux.HandleFunc("POST /oauth/register", h.instrumented("/oauth/register", h.serveClientRegistration))
	mux.HandleFunc("GET /oauth/register/{clientID}", h.instrumented("/oauth/register/manage", h.serveRegistrationGet))
	mux.HandleFunc("PUT /oauth/register/{clientID}", h.instrumented("/oauth/register/manage", h.serveRegistrationUpdate))
	mux.HandleFunc("DELETE /oauth/register/{clientID}", h.instrumented("/oauth/register/manage", h.serveRegistrationDelete))
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.instrumented("/.well-known/oauth-authorization-server", h.serveAuthorizationServerMetadata))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.instrumented("/.well-known/oauth-protected-resource", h.serveProtectedResourceMetadata))
}

// statusRecorder captures the written status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumented wraps an endpoint with a correlation ID and HTTP request
// metrics.
func (h *Handler) instrumented(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = security.EnsureRequestID(w, r)
		if h.server.instrumentation == nil {
			fn(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		h.server.instrumentation.Metrics().RecordHTTPRequest(
			r.Context(), r.Method, endpoint, rec.status,
			float64(time.Since(start).Milliseconds()))
	}
}

// clientIP extracts the request's client IP under the proxy-trust settings.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.TrustProxy, h.server.config.TrustedProxyCount)
}

// allowRate applies the shared per-IP limiter, writing the 429 when exceeded.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if h.server.rateLimiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.server.rateLimiter.Allow(ip) {
		return true
	}
	h.server.audit().LogRateLimitExceeded(ip, "")
	if h.server.instrumentation != nil {
		h.server.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "endpoint")
	}
	writeError(w, NewError(ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests))
	return false
}

// authorizeRequestFrom reads the authorize parameters from query or form.
func authorizeRequestFrom(get func(string) string) *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		ResponseType:        get("response_type"),
		Scope:               get("scope"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
	}
}

// serveAuthorizePage handles GET /oauth/authorize: validate, resolve the
// user, and render the consent page. Unauthenticated user-agents are sent to
// the login URL with the original request preserved.
func (h *Handler) serveAuthorizePage(w http.ResponseWriter, r *http.Request) {
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}

	req := authorizeRequestFrom(r.URL.Query().Get)
	client, oerr := h.server.LookupAuthorizeClient(r.Context(), req.ClientID, req.RedirectURI)
	if oerr != nil {
		security.SetSecurityHeaders(w, h.server.config.BaseURL)
		writeError(w, oerr)
		return
	}
	if oerr := h.server.ValidateAuthorizeParams(client, req); oerr != nil {
		h.redirectError(w, r, req, oerr)
		return
	}

	principal, err := h.resolver.Resolve(r)
	if err != nil || principal == nil {
		h.redirectToLogin(w, r)
		return
	}

	if h.server.instrumentation != nil {
		h.server.instrumentation.Metrics().RecordAuthorizationStarted(r.Context(), client.ClientID)
	}

	security.SetConsentPageHeaders(w, h.server.config.BaseURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	clientName := client.ClientName
	if clientName == "" {
		clientName = client.ClientID
	}
	if err := renderConsentPage(w, clientName, principal.Username, req); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

// serveAuthorizeDecision handles POST /oauth/authorize: the consent form
// submission. Everything is revalidated; hidden form fields are still
// client-controlled input.
func (h *Handler) serveAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidRequest("Malformed form body"))
		return
	}

	req := authorizeRequestFrom(r.PostFormValue)
	client, oerr := h.server.LookupAuthorizeClient(r.Context(), req.ClientID, req.RedirectURI)
	if oerr != nil {
		security.SetSecurityHeaders(w, h.server.config.BaseURL)
		writeError(w, oerr)
		return
	}
	if oerr := h.server.ValidateAuthorizeParams(client, req); oerr != nil {
		h.redirectError(w, r, req, oerr)
		return
	}

	// The GET step already walked this user-agent through login before it
	// could see the consent form, so an unresolvable principal here is not a
	// browser to redirect but a stale or forged submission.
	principal, err := h.resolver.Resolve(r)
	if err != nil || principal == nil {
		security.SetSecurityHeaders(w, h.server.config.BaseURL)
		writeError(w, ErrInvalidToken("Authentication is required to submit an authorization decision"))
		return
	}

	if r.PostFormValue("allow") != "true" {
		h.server.audit().LogAuthFailure(principal.Username, req.ClientID, h.clientIP(r), "consent_denied")
		h.redirectError(w, r, req, ErrAccessDenied("The user denied the authorization request"))
		return
	}

	code, err := h.server.IssueAuthorizationCode(r.Context(), req, principal)
	if err != nil {
		h.redirectError(w, r, req, AsError(err))
		return
	}

	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	http.Redirect(w, r, appendQuery(req.RedirectURI, params), http.StatusFound)
}

// redirectError delivers an OAuth error to the validated redirect URI.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, oerr *Error) {
	params := url.Values{
		"error":             {oerr.Code},
		"error_description": {oerr.Description},
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	http.Redirect(w, r, appendQuery(req.RedirectURI, params), http.StatusFound)
}

// redirectToLogin sends an unauthenticated user-agent to the hub's login
// surface with the authorize request preserved for after sign-in.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := h.server.config.LoginURL
	returnTo := r.URL.RequestURI()
	http.Redirect(w, r, target+"?redirect="+url.QueryEscape(returnTo), http.StatusFound)
}

// appendQuery adds params to a URI, preserving any query it already carries.
func appendQuery(uri string, params url.Values) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := parsed.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// serveToken handles POST /oauth/token for the authorization_code and
// refresh_token grants.
func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}
	if !h.allowRate(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidRequest("Malformed form body"))
		return
	}

	client, err := h.server.AuthenticateClient(r.Context(),
		r.PostFormValue("client_id"), r.PostFormValue("client_secret"))
	if err != nil {
		writeError(w, AsError(err))
		return
	}

	grantType := r.PostFormValue("grant_type")
	if !clientAllowsGrant(client, grantType) {
		writeError(w, ErrUnauthorizedClient(
			fmt.Sprintf("Client is not authorized for the %q grant", grantType)))
		return
	}

	var token *storage.Token
	switch grantType {
	case GrantTypeAuthorizationCode:
		code := r.PostFormValue("code")
		if code == "" {
			writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
			return
		}
		token, err = h.server.ExchangeAuthorizationCode(r.Context(), client,
			code, r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))

	case GrantTypeRefreshToken:
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			writeError(w, ErrInvalidRequest("Required parameter 'refresh_token' missing"))
			return
		}
		token, err = h.server.RefreshAccessToken(r.Context(), client, refreshToken)

	default:
		writeError(w, ErrUnsupportedGrantType(
			fmt.Sprintf("Grant type %q is not supported", grantType)))
		return
	}

	if err != nil {
		writeError(w, AsError(err))
		return
	}
	writeTokenResponse(w, token)
}

// clientAllowsGrant reports whether the client registered for the grant type.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	for _, g := range client.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// serveUserinfo handles GET /oauth/userinfo.
func (h *Handler) serveUserinfo(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}

	info, err := h.server.UserInfo(r.Context(), extractBearerToken(r))
	if err != nil {
		writeError(w, AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// serveRevoke handles POST /oauth/revoke. Per RFC 7009 the endpoint answers
// 200 whether or not the token existed.
func (h *Handler) serveRevoke(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}
	if !h.allowRate(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidRequest("Malformed form body"))
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeError(w, ErrInvalidRequest("Required parameter 'token' missing"))
		return
	}

	if err := h.server.RevokeToken(r.Context(), token, r.PostFormValue("client_id"), h.clientIP(r)); err != nil {
		writeError(w, AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// serveClientRegistration handles POST /oauth/register (RFC 7591).
func (h *Handler) serveClientRegistration(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if !h.server.config.DynamicRegistration.Enabled {
		writeError(w, NewError(ErrorCodeInvalidRequest,
			"Dynamic client registration is disabled", http.StatusForbidden))
		return
	}

	ip := h.clientIP(r)
	if h.regLimiter != nil && !h.regLimiter.Allow(ip) {
		h.server.audit().LogRateLimitExceeded(ip, "")
		if h.server.instrumentation != nil {
			h.server.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "client_registration")
		}
		writeError(w, NewError(ErrorCodeRateLimitExceeded,
			"Too many registration attempts", http.StatusTooManyRequests))
		return
	}

	if h.server.config.DynamicRegistration.RequiresAuthentication {
		presented := extractBearerToken(r)
		expected := h.server.config.DynamicRegistration.InitialAccessToken
		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			writeError(w, ErrInvalidToken("A valid initial access token is required"))
			return
		}
	}

	var req ClientRegistrationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, ErrInvalidRequest("Malformed registration request body"))
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), &req, ip)
	if err != nil {
		writeError(w, AsError(err))
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// serveRegistrationGet handles GET /oauth/register/{clientID}.
func (h *Handler) serveRegistrationGet(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	resp, err := h.server.GetRegistration(r.Context(), r.PathValue("clientID"), extractBearerToken(r))
	if err != nil {
		writeError(w, AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveRegistrationUpdate handles PUT /oauth/register/{clientID}.
func (h *Handler) serveRegistrationUpdate(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	var req ClientRegistrationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, ErrInvalidRequest("Malformed registration request body"))
		return
	}
	resp, err := h.server.UpdateRegistration(r.Context(), r.PathValue("clientID"), extractBearerToken(r), &req)
	if err != nil {
		writeError(w, AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveRegistrationDelete handles DELETE /oauth/register/{clientID}.
func (h *Handler) serveRegistrationDelete(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if err := h.server.DeleteRegistration(r.Context(), r.PathValue("clientID"), extractBearerToken(r)); err != nil {
		writeError(w, AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveAuthorizationServerMetadata handles the RFC 8414 document. The
// document is absent (404), not empty, when the OAuth server is disabled.
func (h *Handler) serveAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}

	// A server that refuses secretless clients must not advertise "none".
	authMethods := []string{TokenEndpointAuthMethodNone, TokenEndpointAuthMethodSecretPost}
	if h.server.config.RequireClientSecret {
		authMethods = []string{TokenEndpointAuthMethodSecretPost}
	}

	base := h.server.config.BaseURL
	metadata := &AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		UserinfoEndpoint:                  base + "/oauth/userinfo",
		RevocationEndpoint:                base + "/oauth/revoke",
		ScopesSupported:                   h.server.config.AllowedScopes,
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256, PKCEMethodPlain},
	}
	if h.server.config.DynamicRegistration.Enabled {
		metadata.RegistrationEndpoint = base + "/oauth/register"
	}
	writeJSON(w, http.StatusOK, metadata)
}

// serveProtectedResourceMetadata handles the RFC 9728 document.
func (h *Handler) serveProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if !h.server.config.Enabled {
		http.NotFound(w, r)
		return
	}

	base := h.server.config.BaseURL
	writeJSON(w, http.StatusOK, &ProtectedResourceMetadata{
		Resource:               base,
		AuthorizationServers:   []string{base},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.config.AllowedScopes,
	})
}

// decodeJSONBody decodes a bounded JSON request body.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

// writeJSONError emits a bare {error, error_description} body.
func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, &ErrorResponse{Error: code, ErrorDescription: description})
}

// writeError emits an OAuth error response. 401s carry a WWW-Authenticate
// challenge per RFC 6750.
func writeError(w http.ResponseWriter, oerr *Error) {
	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("Bearer error=%q, error_description=%q", oerr.Code, oerr.Description))
	}
	writeJSONError(w, oerr.Status, oerr.Code, oerr.Description)
}

// writeTokenResponse emits a token response. expires_in is computed at
// response time and clamped at zero so it can never go negative.
func writeTokenResponse(w http.ResponseWriter, token *storage.Token) {
	expiresIn := int64(time.Until(token.AccessTokenExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	})
}
