package hubauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcpcentral/hubauth/storage"
)

// defaultRegistrationScopes is what a registering client gets when it asks
// for no scope at all. Kept separate from Config.AllowedScopes so broadening
// the allowed set does not silently broaden every defaulted registration.
var defaultRegistrationScopes = []string{"read", "write"}

// RegisterClient handles RFC 7591 dynamic client registration. Metadata is
// validated before any record is written; the response carries the
// registration access token that gates later management calls.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	if err := s.validateRegistrationMetadata(req); err != nil {
		s.audit().LogRegistrationRejected(clientIP, AsError(err).Code)
		return nil, err
	}

	client := s.clientFromMetadata(uuid.NewString(), req)

	var clientSecret string
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		clientSecret = generateToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("Failed to hash client secret", "error", err)
			return nil, ErrServerError("Registration failed")
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save client", "error", err)
		return nil, ErrServerError("Registration failed")
	}

	regToken := &storage.RegistrationToken{
		Token:     generateToken(),
		ClientID:  client.ClientID,
		CreatedAt: client.CreatedAt,
	}
	if err := s.regTokens.SaveRegistrationToken(ctx, regToken); err != nil {
		s.logger.Error("Failed to save registration token", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("Registration failed")
	}

	s.audit().LogClientRegistered(client.ClientID, client.ApplicationType, clientIP)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordClientRegistration(ctx, client.TokenEndpointAuthMethod)
	}
	s.logger.Info("Client registered",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_method", client.TokenEndpointAuthMethod)

	resp := s.registrationResponse(client)
	resp.ClientSecret = clientSecret
	resp.RegistrationAccessToken = regToken.Token
	resp.RegistrationClientURI = fmt.Sprintf("%s/oauth/register/%s", s.config.BaseURL, client.ClientID)
	return resp, nil
}

// GetRegistration returns a client's current registration record. The bearer
// token must be the registration access token issued for that client.
func (s *Server) GetRegistration(ctx context.Context, clientID, bearer string) (*ClientRegistrationResponse, error) {
	if _, err := s.checkRegistrationToken(ctx, clientID, bearer); err != nil {
		return nil, err
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("Unknown client")
	}
	return s.registrationResponse(client), nil
}

// UpdateRegistration replaces a client's registration metadata. The client ID
// and secret are preserved; everything else is revalidated as on initial
// registration.
func (s *Server) UpdateRegistration(ctx context.Context, clientID, bearer string, req *ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	if _, err := s.checkRegistrationToken(ctx, clientID, bearer); err != nil {
		return nil, err
	}
	existing, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("Unknown client")
	}
	if err := s.validateRegistrationMetadata(req); err != nil {
		return nil, err
	}

	updated := s.clientFromMetadata(clientID, req)
	updated.ClientSecretHash = existing.ClientSecretHash
	updated.CreatedAt = existing.CreatedAt
	if err := s.clients.SaveClient(ctx, updated); err != nil {
		s.logger.Error("Failed to update client", "client_id", clientID, "error", err)
		return nil, ErrServerError("Registration update failed")
	}

	s.logger.Info("Client registration updated", "client_id", clientID)
	return s.registrationResponse(updated), nil
}

// DeleteRegistration removes a client and its registration token.
func (s *Server) DeleteRegistration(ctx context.Context, clientID, bearer string) error {
	regToken, err := s.checkRegistrationToken(ctx, clientID, bearer)
	if err != nil {
		return err
	}
	if err := s.clients.DeleteClient(ctx, clientID); err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		s.logger.Error("Failed to delete client", "client_id", clientID, "error", err)
		return ErrServerError("Registration delete failed")
	}
	if err := s.regTokens.DeleteRegistrationToken(ctx, regToken.Token); err != nil {
		s.logger.Warn("Failed to delete registration token", "client_id", clientID, "error", err)
	}
	s.logger.Info("Client registration deleted", "client_id", clientID)
	return nil
}

// checkRegistrationToken validates a registration access token against the
// client it manages. Expiry is lazy: tokens past their 30-day lifetime are
// deleted on first use.
func (s *Server) checkRegistrationToken(ctx context.Context, clientID, bearer string) (*storage.RegistrationToken, error) {
	if bearer == "" {
		return nil, ErrInvalidToken("Registration access token required")
	}

	regToken, err := s.regTokens.GetRegistrationToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, storage.ErrRegistrationTokenNotFound) {
			s.audit().LogAuthFailure("", clientID, "", "unknown_registration_token")
			return nil, ErrInvalidToken("Registration access token is invalid")
		}
		return nil, ErrServerError("Registration token lookup failed")
	}

	if regToken.Expired() {
		if err := s.regTokens.DeleteRegistrationToken(ctx, regToken.Token); err != nil {
			s.logger.Warn("Failed to delete expired registration token", "error", err)
		}
		s.audit().LogAuthFailure("", clientID, "", "expired_registration_token")
		return nil, ErrInvalidToken("Registration access token has expired")
	}

	if subtle.ConstantTimeCompare([]byte(regToken.ClientID), []byte(clientID)) != 1 {
		s.audit().LogAuthFailure("", clientID, "", "registration_token_client_mismatch")
		return nil, ErrInvalidToken("Registration access token is invalid")
	}

	return regToken, nil
}

// validateRegistrationMetadata enforces the RFC 7591 rules the hub imposes:
// at least one redirect URI, each HTTPS or loopback, grant/response types and
// scopes within the configured allow-lists.
func (s *Server) validateRegistrationMetadata(req *ClientRegistrationRequest) error {
	if len(req.RedirectURIs) == 0 {
		return ErrInvalidRedirectURI("At least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRegistrationRedirectURI(uri); err != nil {
			return ErrInvalidRedirectURI(err.Error())
		}
	}

	if grant, ok := scopeSubset(req.GrantTypes, s.config.DynamicRegistration.AllowedGrantTypes); !ok {
		return ErrInvalidClientMetadata(fmt.Sprintf("Grant type %q is not allowed", grant))
	}
	for _, rt := range req.ResponseTypes {
		if rt != ResponseTypeCode {
			return ErrInvalidClientMetadata(fmt.Sprintf("Response type %q is not supported", rt))
		}
	}
	if req.Scope != "" {
		if !ValidScope(req.Scope) {
			return ErrInvalidClientMetadata("Invalid scope value")
		}
		if scope, ok := scopeSubset(splitScope(req.Scope), s.config.AllowedScopes); !ok {
			return ErrInvalidClientMetadata(fmt.Sprintf("Scope %q is not allowed", scope))
		}
	}

	switch req.TokenEndpointAuthMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodSecretPost:
	default:
		return ErrInvalidClientMetadata(fmt.Sprintf("token_endpoint_auth_method %q is not supported", req.TokenEndpointAuthMethod))
	}

	return nil
}

// clientFromMetadata builds the stored client record from validated request
// metadata, applying the documented defaults.
func (s *Server) clientFromMetadata(clientID string, req *ClientRegistrationRequest) *storage.Client {
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		for _, scope := range defaultRegistrationScopes {
			if _, ok := scopeSubset([]string{scope}, s.config.AllowedScopes); ok {
				scopes = append(scopes, scope)
			}
		}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodNone
	}
	applicationType := req.ApplicationType
	if applicationType == "" {
		applicationType = "web"
	}

	return &storage.Client{
		ClientID:                clientID,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  scopes,
		TokenEndpointAuthMethod: authMethod,
		ApplicationType:         applicationType,
		Contacts:                req.Contacts,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		PolicyURI:               req.PolicyURI,
		TosURI:                  req.TosURI,
		CreatedAt:               time.Now(),
	}
}

// registrationResponse maps a stored client to the RFC 7591 response shape.
// client_secret_expires_at is always 0: issued secrets do not expire.
func (s *Server) registrationResponse(client *storage.Client) *ClientRegistrationResponse {
	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   joinScope(client.Scopes),
	}
}
