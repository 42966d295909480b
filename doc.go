// Package hubauth implements the OAuth 2.0 authorization core of a
// protocol-server management hub: the authorization-code flow with PKCE,
// refresh-token rotation, RFC 7591 dynamic client registration, RFC 8414 and
// RFC 9728 metadata documents, and the ordered authentication chain that
// admits requests to the hub's API.
//
// The core Server is transport-agnostic; Handler adapts it to net/http.
// Persistence goes through the storage interfaces, with in-memory, bbolt, and
// Valkey backends under storage/.
//
// Basic wiring:
//
//	store := memory.New(logger)
//	srv, err := hubauth.New(store, store, store, users, store, config, logger)
//	if err != nil { ... }
//
//	resolver := hubauth.NewAuthenticatorResolver(
//		hubauth.NewSessionJWTAuthenticator(config.JWTSecret, users, logger))
//	handler := hubauth.NewHandler(srv, resolver, logger)
//
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//
//	chain := hubauth.NewChain(config, logger,
//		hubauth.NewBearerKeyAuthenticator(store, logger),
//		hubauth.NewOAuthTokenAuthenticator(store, users, config, logger),
//		hubauth.NewSessionJWTAuthenticator(config.JWTSecret, users, logger))
//	api := chain.Middleware(hubAPIHandler)
package hubauth
