package hubauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mcpcentral/hubauth/storage"
	"github.com/mcpcentral/hubauth/storage/memory"
)

// testEnv wires the full HTTP surface over a memory store.
type testEnv struct {
	server *Server
	store  *memory.Store
	mux    *http.ServeMux
	// session is a valid session JWT for alice
	session string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	server, store := newTestServer(t, mutate)

	sessionAuth := NewSessionJWTAuthenticator(server.Config().JWTSecret, store, nil)
	handler := NewHandler(server, NewAuthenticatorResolver(sessionAuth), nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	session, err := NewSessionToken(server.Config().JWTSecret, &storage.User{Username: "alice", Admin: true}, time.Hour)
	require.NoError(t, err)

	return &testEnv{server: server, store: store, mux: mux, session: session}
}

func (e *testEnv) get(t *testing.T, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

func (e *testEnv) postJSON(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

// locationQuery parses the redirect target of a 302 response.
func locationQuery(t *testing.T, w *httptest.ResponseRecorder) (string, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code, "body: %s", w.Body.String())
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Scheme + "://" + loc.Host + loc.Path, loc.Query()
}

func decodeToken(t *testing.T, w *httptest.ResponseRecorder) *TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	// Consent page for a signed-in user.
	authz := "/oauth/authorize?" + url.Values{
		"client_id":             {"public-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"scope":                 {"read"},
		"state":                 {"st-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()
	w := e.get(t, authz, e.session)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	body := w.Body.String()
	assert.Contains(t, body, "Public App")
	assert.Contains(t, body, "alice")
	assert.Contains(t, body, challenge)

	// Approve.
	w = e.postForm(t, "/oauth/authorize", url.Values{
		"client_id":             {"public-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"scope":                 {"read"},
		"state":                 {"st-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"allow":                 {"true"},
	}, e.session)
	target, q := locationQuery(t, w)
	assert.Equal(t, "https://app.example.com/callback", target)
	assert.Equal(t, "st-123", q.Get("state"))
	code := q.Get("code")
	require.NotEmpty(t, code)

	// Exchange.
	w = e.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"public-client"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	}, "")
	token := decodeToken(t, w)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, "read", token.Scope)
	assert.NotEmpty(t, token.RefreshToken)
	assert.Greater(t, token.ExpiresIn, int64(3500))

	// Userinfo with the fresh access token.
	w = e.get(t, "/oauth/userinfo", token.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	var info UserinfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "alice", info.Sub)

	// A second exchange of the same code fails.
	w = e.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"public-client"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")

	// Refresh.
	w = e.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"public-client"},
		"refresh_token": {token.RefreshToken},
	}, "")
	refreshed := decodeToken(t, w)
	assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)

	// Revoke the refreshed token; userinfo stops working.
	w = e.postForm(t, "/oauth/revoke", url.Values{
		"token":     {refreshed.AccessToken},
		"client_id": {"public-client"},
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = e.get(t, "/oauth/userinfo", refreshed.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthorizeDenial(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.postForm(t, "/oauth/authorize", url.Values{
		"client_id":     {"public-client"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
		"state":         {"st-9"},
		"allow":         {"false"},
	}, e.session)
	_, q := locationQuery(t, w)
	assert.Equal(t, "access_denied", q.Get("error"))
	assert.Equal(t, "st-9", q.Get("state"))
	assert.Empty(t, q.Get("code"))
}

func TestAuthorizeRedirectsAnonymousToLogin(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.get(t, "/oauth/authorize?client_id=public-client&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcallback&response_type=code", "")
	require.Equal(t, http.StatusFound, w.Code)
	loc := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/login?redirect="), "got %q", loc)
	assert.Contains(t, loc, url.QueryEscape("client_id=public-client"))
}

func TestAuthorizeClientErrorsNeverRedirect(t *testing.T) {
	e := newTestEnv(t, nil)

	// Unknown client: direct error, no Location header.
	w := e.get(t, "/oauth/authorize?client_id=ghost&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcallback&response_type=code", e.session)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get("Location"))

	// Unregistered redirect URI: direct error.
	w = e.get(t, "/oauth/authorize?client_id=public-client&redirect_uri=https%3A%2F%2Fevil.example.com%2Fcb&response_type=code", e.session)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, w.Header().Get("Location"))
}

func TestAuthorizeParamErrorsRedirect(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.get(t, "/oauth/authorize?client_id=public-client&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcallback&response_type=token&state=s1", e.session)
	target, q := locationQuery(t, w)
	assert.Equal(t, "https://app.example.com/callback", target)
	assert.Equal(t, "invalid_request", q.Get("error"))
	assert.Equal(t, "s1", q.Get("state"))
}

func TestTokenEndpointErrors(t *testing.T) {
	e := newTestEnv(t, nil)

	// Unsupported grant type.
	w := e.postForm(t, "/oauth/token", url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"public-client"},
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized_client")

	// The confidential client never registered the refresh grant.
	w = e.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"confidential-client"},
		"client_secret": {"s3cret"},
		"refresh_token": {"whatever"},
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized_client")

	// Missing code parameter.
	w = e.postForm(t, "/oauth/token", url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {"public-client"},
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	// Bad client credentials carry a WWW-Authenticate challenge.
	w = e.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"confidential-client"},
		"client_secret": {"wrong"},
		"code":          {"x"},
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestDisabledServerHidesEndpoints(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.Enabled = false })

	for _, request := range []func() *httptest.ResponseRecorder{
		func() *httptest.ResponseRecorder { return e.get(t, "/oauth/authorize?client_id=x", e.session) },
		func() *httptest.ResponseRecorder {
			return e.postForm(t, "/oauth/token", url.Values{"grant_type": {"authorization_code"}}, "")
		},
		func() *httptest.ResponseRecorder { return e.get(t, "/.well-known/oauth-authorization-server", "") },
		func() *httptest.ResponseRecorder { return e.get(t, "/.well-known/oauth-protected-resource", "") },
	} {
		assert.Equal(t, http.StatusNotFound, request().Code)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.get(t, "/.well-known/oauth-authorization-server", "")
	require.Equal(t, http.StatusOK, w.Code)

	var meta AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "https://hub.example.com", meta.Issuer)
	assert.Equal(t, "https://hub.example.com/oauth/token", meta.TokenEndpoint)
	assert.Equal(t, "https://hub.example.com/oauth/register", meta.RegistrationEndpoint)
	assert.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
}

func TestMetadataOmitsRegistrationWhenDisabled(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.DynamicRegistration.Enabled = false })
	w := e.get(t, "/.well-known/oauth-authorization-server", "")
	require.Equal(t, http.StatusOK, w.Code)

	var meta AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Empty(t, meta.RegistrationEndpoint)
}

func TestProtectedResourceMetadata(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.get(t, "/.well-known/oauth-protected-resource", "")
	require.Equal(t, http.StatusOK, w.Code)

	var meta ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "https://hub.example.com", meta.Resource)
	assert.Equal(t, []string{"https://hub.example.com"}, meta.AuthorizationServers)
}

func TestDynamicRegistrationLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	// Register a confidential client.
	w := e.postJSON(t, http.MethodPost, "/oauth/register", `{
		"client_name": "Registered App",
		"redirect_uris": ["https://reg.example.com/cb"],
		"token_endpoint_auth_method": "client_secret_post",
		"grant_types": ["authorization_code", "refresh_token"],
		"scope": "read"
	}`, "")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var reg ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	assert.NotEmpty(t, reg.ClientID)
	assert.NotEmpty(t, reg.ClientSecret)
	assert.NotEmpty(t, reg.RegistrationAccessToken)
	assert.Equal(t, int64(0), reg.ClientSecretExpiresAt)
	assert.Equal(t, "https://hub.example.com/oauth/register/"+reg.ClientID, reg.RegistrationClientURI)

	// The registered client can authenticate at the token endpoint.
	_, err := e.server.AuthenticateClient(context.Background(), reg.ClientID, reg.ClientSecret)
	require.NoError(t, err)

	// Read the registration back. The secret is not replayed.
	w = e.get(t, "/oauth/register/"+reg.ClientID, reg.RegistrationAccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	var got ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Registered App", got.ClientName)
	assert.Empty(t, got.ClientSecret)

	// Update renames the client and revalidates metadata.
	w = e.postJSON(t, http.MethodPut, "/oauth/register/"+reg.ClientID, `{
		"client_name": "Renamed App",
		"redirect_uris": ["https://reg.example.com/cb2"],
		"token_endpoint_auth_method": "client_secret_post"
	}`, reg.RegistrationAccessToken)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Renamed App", got.ClientName)
	assert.Equal(t, []string{"https://reg.example.com/cb2"}, got.RedirectURIs)

	// The secret survives the update.
	_, err = e.server.AuthenticateClient(context.Background(), reg.ClientID, reg.ClientSecret)
	require.NoError(t, err)

	// Wrong registration token is rejected.
	w = e.get(t, "/oauth/register/"+reg.ClientID, "not-the-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Delete, then the record is gone.
	w = e.postJSON(t, http.MethodDelete, "/oauth/register/"+reg.ClientID, "", reg.RegistrationAccessToken)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.get(t, "/oauth/register/"+reg.ClientID, reg.RegistrationAccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegistrationDisabled(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.DynamicRegistration.Enabled = false })
	w := e.postJSON(t, http.MethodPost, "/oauth/register", `{"redirect_uris":["https://a.example.com/cb"]}`, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrorCodeInvalidRequest, resp.Error)
}

func TestRegistrationRequiresInitialToken(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.DynamicRegistration.RequiresAuthentication = true
		c.DynamicRegistration.InitialAccessToken = "bootstrap-token"
	})

	body := `{"redirect_uris":["https://a.example.com/cb"]}`
	w := e.postJSON(t, http.MethodPost, "/oauth/register", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.postJSON(t, http.MethodPost, "/oauth/register", body, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.postJSON(t, http.MethodPost, "/oauth/register", body, "bootstrap-token")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRegistrationValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"no redirect uris", `{}`, "invalid_redirect_uri"},
		{"http non-loopback", `{"redirect_uris":["http://a.example.com/cb"]}`, "invalid_redirect_uri"},
		{"fragment", `{"redirect_uris":["https://a.example.com/cb#frag"]}`, "invalid_redirect_uri"},
		{"link-local", `{"redirect_uris":["https://169.254.169.254/cb"]}`, "invalid_redirect_uri"},
		{"disallowed grant", `{"redirect_uris":["https://a.example.com/cb"],"grant_types":["client_credentials"]}`, "invalid_client_metadata"},
		{"bad response type", `{"redirect_uris":["https://a.example.com/cb"],"response_types":["token"]}`, "invalid_client_metadata"},
		{"scope outside allow-list", `{"redirect_uris":["https://a.example.com/cb"],"scope":"admin"}`, "invalid_client_metadata"},
		{"bad auth method", `{"redirect_uris":["https://a.example.com/cb"],"token_endpoint_auth_method":"client_secret_basic"}`, "invalid_client_metadata"},
		{"unknown field", `{"redirect_uris":["https://a.example.com/cb"],"bogus":true}`, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.postJSON(t, http.MethodPost, "/oauth/register", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}

	// Loopback HTTP is fine for native apps.
	w := e.postJSON(t, http.MethodPost, "/oauth/register", `{"redirect_uris":["http://127.0.0.1:8765/cb"]}`, "")
	assert.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var reg ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	// Defaults: public client, no secret.
	assert.Equal(t, "none", reg.TokenEndpointAuthMethod)
	assert.Empty(t, reg.ClientSecret)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, reg.GrantTypes)
}

func TestRevokeRequiresTokenParam(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.postForm(t, "/oauth/revoke", url.Values{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExpiredRegistrationTokenDeletedOnUse(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.SaveRegistrationToken(ctx, &storage.RegistrationToken{
		Token:     "stale-reg-token",
		ClientID:  "public-client",
		CreatedAt: time.Now().Add(-31 * 24 * time.Hour),
	}))

	w := e.get(t, "/oauth/register/public-client", "stale-reg-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "expired")

	// First use deleted it; now it is simply unknown.
	_, err := e.store.GetRegistrationToken(ctx, "stale-reg-token")
	assert.ErrorIs(t, err, storage.ErrRegistrationTokenNotFound)
}

func TestAuthorizeDecisionRequiresPrincipal(t *testing.T) {
	e := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()

	// An anonymous consent submission is a stale or forged form, not a
	// browser mid-login: it gets a 401, never a login redirect.
	form := url.Values{
		"client_id":             {"public-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
		"allow":                 {"true"},
	}
	w := e.postForm(t, "/oauth/authorize", form, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get("Location"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrorCodeInvalidToken, resp.Error)
}

func TestMetadataOmitsNoneWhenSecretRequired(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.RequireClientSecret = true })
	w := e.get(t, "/.well-known/oauth-authorization-server", "")
	require.Equal(t, http.StatusOK, w.Code)

	var meta AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, []string{TokenEndpointAuthMethodSecretPost}, meta.TokenEndpointAuthMethodsSupported)
}

func TestDefaultedRegistrationScopeStaysBaseline(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.AllowedScopes = []string{"read", "write", "admin"}
	})

	// A registration that asks for no scope gets the baseline, not
	// everything the operator has allowed.
	w := e.postJSON(t, http.MethodPost, "/oauth/register", `{"redirect_uris":["https://a.example.com/cb"]}`, "")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "read write", resp.Scope)
}

func TestResponsesCarryRequestID(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.get(t, "/.well-known/oauth-authorization-server", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// A well-formed upstream ID is echoed back unchanged.
	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	r.Header.Set("X-Request-ID", "upstream-7")
	w = httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	assert.Equal(t, "upstream-7", w.Header().Get("X-Request-ID"))
}
