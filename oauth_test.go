package mcpscope

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authServer is an httptest fixture serving RFC 8414 metadata and a token
// endpoint that checks the PKCE verifier arrived.
func authServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AuthServerMetadata{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostFormValue("code") != "the-code" {
			http.Error(w, "wrong code", http.StatusBadRequest)
			return
		}
		if r.PostFormValue("code_verifier") == "" {
			http.Error(w, "missing verifier", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"secret-token","token_type":"Bearer","expires_in":3600}`)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuthFlowToAuthorizationCode(t *testing.T) {
	srv := authServer(t)

	flow := OAuthFlow{
		ServerURL:   srv.URL,
		ClientID:    "inspector",
		RedirectURI: "http://127.0.0.1/callback",
		Scopes:      []string{"mcp"},
	}
	flow = RunFlow(context.Background(), flow, srv.Client())

	require.Equal(t, OAuthStepAuthorizationCode, flow.Step)
	require.NotNil(t, flow.Metadata)
	assert.Equal(t, srv.URL+"/token", flow.Metadata.TokenEndpoint)
	assert.NotEmpty(t, flow.Verifier)
	assert.NotEmpty(t, flow.State)

	parsed, err := url.Parse(flow.AuthorizationURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "inspector", q.Get("client_id"))
	assert.Equal(t, flow.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
}

func TestOAuthFlowHoldsWithoutCode(t *testing.T) {
	flow := OAuthFlow{Step: OAuthStepAuthorizationCode, Verifier: "v"}

	next := ExecuteStep(context.Background(), flow, nil)
	assert.Equal(t, OAuthStepAuthorizationCode, next.Step)

	// RunFlow detects the stall instead of spinning.
	next = RunFlow(context.Background(), flow, nil)
	assert.Equal(t, OAuthStepAuthorizationCode, next.Step)
}

func TestOAuthFlowResumeAfterSerialization(t *testing.T) {
	srv := authServer(t)

	flow := RunFlow(context.Background(), OAuthFlow{
		ServerURL:   srv.URL,
		ClientID:    "inspector",
		RedirectURI: "http://127.0.0.1/callback",
	}, srv.Client())
	require.Equal(t, OAuthStepAuthorizationCode, flow.Step)

	// Round-trip through JSON, as the state store does between runs.
	data, err := json.Marshal(flow)
	require.NoError(t, err)
	var restored OAuthFlow
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, flow.Verifier, restored.Verifier)

	restored.Code = "the-code"
	restored = RunFlow(context.Background(), restored, srv.Client())

	require.Equal(t, OAuthStepComplete, restored.Step)
	require.NotNil(t, restored.Token)
	assert.Equal(t, "secret-token", restored.Token.AccessToken)
	assert.Equal(t, "Bearer secret-token", restored.Authorization())
}

func TestOAuthErrorStepAbsorbs(t *testing.T) {
	flow := OAuthFlow{Step: OAuthStepError, Err: "token exchange failed"}

	next := ExecuteStep(context.Background(), flow, nil)
	assert.Equal(t, OAuthStepError, next.Step)
	assert.Equal(t, "token exchange failed", next.Err)
}

func TestOAuthDiscoveryFailures(t *testing.T) {
	t.Run("missing server url", func(t *testing.T) {
		flow := ExecuteStep(context.Background(), OAuthFlow{}, nil)
		assert.Equal(t, OAuthStepError, flow.Step)
	})

	t.Run("incomplete metadata", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"issuer":"x"}`)
		}))
		defer srv.Close()

		flow := ExecuteStep(context.Background(), OAuthFlow{ServerURL: srv.URL}, srv.Client())
		assert.Equal(t, OAuthStepError, flow.Step)
		assert.Contains(t, flow.Err, "missing authorization or token endpoint")
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		}))
		defer srv.Close()

		flow := ExecuteStep(context.Background(), OAuthFlow{ServerURL: srv.URL}, srv.Client())
		assert.Equal(t, OAuthStepError, flow.Step)
	})
}

func TestOAuthRedirectRequiresClientID(t *testing.T) {
	flow := OAuthFlow{
		Step: OAuthStepAuthorizationRedirect,
		Metadata: &AuthServerMetadata{
			AuthorizationEndpoint: "https://auth.example/authorize",
			TokenEndpoint:         "https://auth.example/token",
		},
	}

	next := ExecuteStep(context.Background(), flow, nil)
	assert.Equal(t, OAuthStepError, next.Step)
	assert.Contains(t, next.Err, "client id")
}

func TestOAuthAuthorizationHeader(t *testing.T) {
	assert.Empty(t, OAuthFlow{}.Authorization())
}
