package hubauth

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/mcpcentral/hubauth/internal/helpers"
)

// Strict syntax patterns for authorize-request parameters. Anything outside
// these alphabets is rejected as invalid_request before any store lookup,
// which keeps untrusted input out of logs, redirects, and the consent page.
var (
	clientIDPattern      = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,256}$`)
	statePattern         = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,512}$`)
	codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)
	scopePattern         = regexp.MustCompile(`^[A-Za-z0-9:._~ -]{0,256}$`)
)

// ValidClientID reports whether s is a syntactically acceptable client_id.
func ValidClientID(s string) bool { return clientIDPattern.MatchString(s) }

// ValidState reports whether s is a syntactically acceptable state value.
func ValidState(s string) bool { return statePattern.MatchString(s) }

// ValidCodeChallenge reports whether s is a syntactically acceptable PKCE
// code challenge (RFC 7636 base64url alphabet, 43-128 characters).
func ValidCodeChallenge(s string) bool { return codeChallengePattern.MatchString(s) }

// ValidCodeChallengeMethod reports whether s is a supported PKCE method.
func ValidCodeChallengeMethod(s string) bool {
	return s == PKCEMethodS256 || s == PKCEMethodPlain
}

// ValidScope reports whether s is a syntactically acceptable scope string.
func ValidScope(s string) bool { return scopePattern.MatchString(s) }

// redirectURIRegistered reports whether uri is a byte-exact member of the
// client's registered set. No normalization, no prefix matching.
func redirectURIRegistered(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

// validateRegistrationRedirectURI enforces the dynamic-registration rule:
// redirect URIs must be absolute and either HTTPS or loopback
// (localhost, 127.0.0.1, [::1]).
func validateRegistrationRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI %q is not a valid URI", raw)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}

	hostname := strings.ToLower(parsed.Hostname())

	// IP-literal hosts get classified before any scheme-based allowance.
	// A link-local target (the cloud metadata service in particular) or an
	// unspecified address is never an acceptable redirect destination.
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		switch helpers.ClassifyIP(ip) {
		case helpers.IPClassificationLinkLocal, helpers.IPClassificationUnspecified:
			return fmt.Errorf("redirect URI %q targets a %s address", raw, helpers.ClassifyIP(ip))
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "https" {
		return nil
	}

	isLoopback := hostname == "localhost" || hostname == "127.0.0.1" ||
		hostname == "::1" || hostname == "[::1]"
	if scheme == "http" && isLoopback {
		return nil
	}

	return fmt.Errorf("redirect URI %q must use HTTPS or a loopback host", raw)
}

// scopeSubset checks every requested scope against the allowed set and
// returns the first scope outside it.
func scopeSubset(requested, allowed []string) (string, bool) {
	for _, scope := range requested {
		found := false
		for _, a := range allowed {
			if scope == a {
				found = true
				break
			}
		}
		if !found {
			return scope, false
		}
	}
	return "", true
}

// splitScope splits a space-delimited scope string into fields.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// joinScope renders a scope list back to its space-delimited wire form.
func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
