package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpscope/mcpscope"
	"github.com/mcpscope/mcpscope/internal/config"
)

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mcpscope.AuthServerMetadata{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestInspectorAuthLifecycle(t *testing.T) {
	srv := newAuthServer(t)
	store := config.NewMemoryStore()
	insp := New(store)
	ctx := context.Background()

	flow, err := insp.BeginAuth(ctx, srv.URL, "inspector", "http://127.0.0.1/callback", nil, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, mcpscope.OAuthStepAuthorizationCode, flow.Step)
	assert.NotEmpty(t, flow.AuthorizationURL)

	// No token yet, so no header.
	assert.Empty(t, insp.AuthHeader(srv.URL))

	// The parked flow survived into the store.
	state, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, state.OAuth, srv.URL)

	// A second inspector sharing the store resumes the flow, as a later
	// process invocation would.
	insp2 := New(store)
	done, err := insp2.CompleteAuth(ctx, srv.URL, "the-code", flow.State, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, mcpscope.OAuthStepComplete, done.Step)

	assert.Equal(t, "Bearer tok-123", insp2.AuthHeader(srv.URL))
}

func TestInspectorCompleteAuthStateMismatch(t *testing.T) {
	srv := newAuthServer(t)
	store := config.NewMemoryStore()
	insp := New(store)
	ctx := context.Background()

	_, err := insp.BeginAuth(ctx, srv.URL, "inspector", "http://127.0.0.1/callback", nil, srv.Client())
	require.NoError(t, err)

	_, err = insp.CompleteAuth(ctx, srv.URL, "the-code", "forged-state", srv.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestInspectorCompleteAuthWithoutBegin(t *testing.T) {
	insp := New(config.NewMemoryStore())
	_, err := insp.CompleteAuth(context.Background(), "https://auth.example.com", "code", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authorization flow in progress")
}

func TestInspectorNotConnected(t *testing.T) {
	insp := New(config.NewMemoryStore())

	assert.Equal(t, mcpscope.StatusDisconnected, insp.Status())

	_, err := insp.Session()
	require.Error(t, err)
	_, err = insp.Tasks()
	require.Error(t, err)

	err = insp.Do(context.Background(), mcpscope.MethodPing, nil, nil)
	require.Error(t, err)

	assert.Empty(t, insp.History())
	assert.Nil(t, insp.PendingHostRequests())
}
