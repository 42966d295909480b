package hubauth

import (
	"html/template"
	"io"
)

// scopeDescriptions maps scope values to the phrasing shown on the consent
// page. Unknown scopes fall back to the raw value.
var scopeDescriptions = map[string]string{
	"read":  "Read your servers, groups, and settings",
	"write": "Create and modify servers, groups, and settings",
}

// consentData is the template payload for the consent page. Every request
// parameter is echoed back through hidden form fields so the POST carries the
// full, already-validated authorize request.
type consentData struct {
	ClientName          string
	Username            string
	Scopes              []consentScope
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

type consentScope struct {
	Value       string
	Description string
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
  body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f5f6f8; margin: 0; }
  .card { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 8px;
          box-shadow: 0 2px 12px rgba(0,0,0,.08); padding: 32px; }
  h1 { font-size: 1.2rem; margin: 0 0 8px; }
  .user { color: #667; font-size: .9rem; margin-bottom: 20px; }
  ul { padding-left: 20px; color: #334; }
  li { margin: 6px 0; }
  .actions { display: flex; gap: 12px; margin-top: 24px; }
  button { flex: 1; padding: 10px 0; border-radius: 6px; border: 1px solid #ccd;
           font-size: 1rem; cursor: pointer; }
  .allow { background: #2563eb; border-color: #2563eb; color: #fff; }
  .deny { background: #fff; color: #334; }
</style>
</head>
<body>
<div class="card">
  <h1>{{.ClientName}} wants access to your hub</h1>
  <p class="user">Signed in as <strong>{{.Username}}</strong></p>
  <p>This application is requesting permission to:</p>
  <ul>
  {{- range .Scopes}}
    <li>{{.Description}}</li>
  {{- end}}
  </ul>
  <form method="post" action="/oauth/authorize">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="response_type" value="{{.ResponseType}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <div class="actions">
      <button class="deny" type="submit" name="allow" value="false">Deny</button>
      <button class="allow" type="submit" name="allow" value="true">Allow</button>
    </div>
  </form>
</div>
</body>
</html>
`))

// renderConsentPage writes the consent page for a validated authorize request.
func renderConsentPage(w io.Writer, clientName, username string, req *AuthorizeRequest) error {
	scopes := splitScope(req.Scope)
	described := make([]consentScope, 0, len(scopes))
	for _, scope := range scopes {
		desc, ok := scopeDescriptions[scope]
		if !ok {
			desc = scope
		}
		described = append(described, consentScope{Value: scope, Description: desc})
	}

	return consentTemplate.Execute(w, consentData{
		ClientName:          clientName,
		Username:            username,
		Scopes:              described,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
}
