package mcpscope

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// OAuthStep identifies where an authorization flow currently stands.
type OAuthStep string

// OAuthStep values, in the order a fresh flow passes through them. Error is
// absorbing: a failed flow must be restarted, never resumed.
const (
	OAuthStepDiscovery             OAuthStep = "discovery"
	OAuthStepAuthorizationRedirect OAuthStep = "authorization_redirect"
	OAuthStepAuthorizationCode     OAuthStep = "authorization_code"
	OAuthStepTokenRequest          OAuthStep = "token_request"
	OAuthStepComplete              OAuthStep = "complete"
	OAuthStepError                 OAuthStep = "error"
)

// AuthServerMetadata is the subset of RFC 8414 authorization server metadata
// the flow needs.
type AuthServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// OAuthFlow is the complete, serializable state of one authorization-code
// flow with PKCE. The zero-value-plus-ServerURL form starts at discovery; a
// flow persisted at the authorization_code step can be reloaded and resumed
// once the user delivers the code, without re-issuing the redirect.
type OAuthFlow struct {
	Step OAuthStep `json:"step"`

	// ServerURL is the base URL of the authorization server used for
	// metadata discovery.
	ServerURL string `json:"serverUrl"`

	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	RedirectURI  string   `json:"redirectUri"`
	Scopes       []string `json:"scopes,omitempty"`

	// Metadata holds the discovered endpoints.
	Metadata *AuthServerMetadata `json:"metadata,omitempty"`

	// Verifier is the PKCE code verifier. It must survive serialization
	// between the redirect and the token request.
	Verifier string `json:"verifier,omitempty"`
	// State is the CSRF token embedded in the authorization URL. The caller
	// must compare it against the state echoed on the redirect.
	State string `json:"state,omitempty"`
	// AuthorizationURL is where the user must be sent to approve access.
	AuthorizationURL string `json:"authorizationUrl,omitempty"`

	// Code is the authorization code delivered on the redirect. Filled in by
	// the caller; its presence is what lets the flow advance past
	// authorization_code.
	Code string `json:"code,omitempty"`

	// Token is the final outcome of a completed flow.
	Token *oauth2.Token `json:"token,omitempty"`

	// Err describes what went wrong when Step is error.
	Err string `json:"err,omitempty"`
}

// Authorization returns the value for an Authorization header, or empty if
// the flow has not produced a token.
func (f OAuthFlow) Authorization() string {
	if f.Token == nil || f.Token.AccessToken == "" {
		return ""
	}
	typ := f.Token.Type()
	return typ + " " + f.Token.AccessToken
}

func (f OAuthFlow) config() oauth2.Config {
	cfg := oauth2.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		RedirectURL:  f.RedirectURI,
		Scopes:       f.Scopes,
	}
	if f.Metadata != nil {
		cfg.Endpoint = oauth2.Endpoint{
			AuthURL:  f.Metadata.AuthorizationEndpoint,
			TokenURL: f.Metadata.TokenEndpoint,
		}
	}
	return cfg
}

func (f OAuthFlow) fail(format string, args ...any) OAuthFlow {
	f.Step = OAuthStepError
	f.Err = fmt.Sprintf(format, args...)
	return f
}

// ExecuteStep advances the flow by exactly one step and returns the new
// state. The input is never mutated, failures land in the absorbing error
// step, and nothing is retried; the caller decides when to run the next
// step. At authorization_code the flow holds until the caller has filled in
// Code. httpClient may be nil for the default client.
func ExecuteStep(ctx context.Context, flow OAuthFlow, httpClient *http.Client) OAuthFlow {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	switch flow.Step {
	case "", OAuthStepDiscovery:
		return discoverMetadata(ctx, flow, httpClient)

	case OAuthStepAuthorizationRedirect:
		if flow.Metadata == nil || flow.Metadata.AuthorizationEndpoint == "" {
			return flow.fail("cannot build authorization URL without discovered metadata")
		}
		if flow.ClientID == "" {
			return flow.fail("authorization requires a client id")
		}
		flow.Verifier = oauth2.GenerateVerifier()
		flow.State = uuid.New().String()
		cfg := flow.config()
		flow.AuthorizationURL = cfg.AuthCodeURL(flow.State, oauth2.S256ChallengeOption(flow.Verifier))
		flow.Step = OAuthStepAuthorizationCode
		return flow

	case OAuthStepAuthorizationCode:
		// Holding state: the user has not come back with a code yet.
		if flow.Code == "" {
			return flow
		}
		if flow.Verifier == "" {
			return flow.fail("authorization code present but PKCE verifier is missing")
		}
		flow.Step = OAuthStepTokenRequest
		return flow

	case OAuthStepTokenRequest:
		if flow.Metadata == nil || flow.Metadata.TokenEndpoint == "" {
			return flow.fail("cannot exchange code without a token endpoint")
		}
		cfg := flow.config()
		exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		token, err := cfg.Exchange(exchangeCtx, flow.Code, oauth2.VerifierOption(flow.Verifier))
		if err != nil {
			return flow.fail("token exchange failed: %v", err)
		}
		flow.Token = token
		flow.Step = OAuthStepComplete
		return flow

	case OAuthStepComplete, OAuthStepError:
		return flow

	default:
		return flow.fail("unknown step %q", flow.Step)
	}
}

// RunFlow executes steps until the flow completes, fails, or stalls waiting
// for the authorization code.
func RunFlow(ctx context.Context, flow OAuthFlow, httpClient *http.Client) OAuthFlow {
	for {
		next := ExecuteStep(ctx, flow, httpClient)
		if next.Step == flow.Step || next.Step == OAuthStepComplete || next.Step == OAuthStepError {
			return next
		}
		flow = next
	}
}

func discoverMetadata(ctx context.Context, flow OAuthFlow, httpClient *http.Client) OAuthFlow {
	if flow.ServerURL == "" {
		return flow.fail("discovery requires a server URL")
	}

	wellKnown := strings.TrimRight(flow.ServerURL, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return flow.fail("build discovery request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return flow.fail("metadata discovery failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return flow.fail("metadata discovery failed: status %d", resp.StatusCode)
	}

	var metadata AuthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return flow.fail("decode metadata: %v", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return flow.fail("metadata is missing authorization or token endpoint")
	}

	flow.Metadata = &metadata
	flow.Step = OAuthStepAuthorizationRedirect
	return flow
}
