package hubauth

// OAuth grant types supported by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// PKCE code challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Token endpoint client authentication methods
const (
	TokenEndpointAuthMethodNone       = "none"
	TokenEndpointAuthMethodSecretPost = "client_secret_post"
)

// ResponseTypeCode is the only supported response type
const ResponseTypeCode = "code"

const tokenTypeBearer = "Bearer"
