package inspector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mcpscope/mcpscope"
)

// BeginAuth starts an authorization flow against serverURL and runs it until
// it parks waiting for the authorization code. The parked flow is persisted
// so CompleteAuth can resume it, in the same run or a later one.
func (i *Inspector) BeginAuth(
	ctx context.Context,
	serverURL, clientID, redirectURI string,
	scopes []string,
	httpClient *http.Client,
) (mcpscope.OAuthFlow, error) {
	flow := mcpscope.OAuthFlow{
		Step:        mcpscope.OAuthStepDiscovery,
		ServerURL:   serverURL,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
	}

	flow = mcpscope.RunFlow(ctx, flow, httpClient)
	if flow.Step == mcpscope.OAuthStepError {
		return flow, fmt.Errorf("authorization failed: %s", flow.Err)
	}

	if err := i.saveFlow(serverURL, flow); err != nil {
		return flow, err
	}
	return flow, nil
}

// CompleteAuth resumes the persisted flow for serverURL with the delivered
// authorization code and exchanges it for a token. The completed flow,
// token included, is persisted.
func (i *Inspector) CompleteAuth(
	ctx context.Context,
	serverURL, code, state string,
	httpClient *http.Client,
) (mcpscope.OAuthFlow, error) {
	stored, err := i.store.Load()
	if err != nil {
		return mcpscope.OAuthFlow{}, err
	}
	flow, ok := stored.OAuth[serverURL]
	if !ok {
		return mcpscope.OAuthFlow{}, fmt.Errorf("no authorization flow in progress for %s", serverURL)
	}
	if flow.Step != mcpscope.OAuthStepAuthorizationCode {
		return flow, fmt.Errorf("flow for %s is at step %s, expected %s",
			serverURL, flow.Step, mcpscope.OAuthStepAuthorizationCode)
	}
	if state != "" && state != flow.State {
		return flow, fmt.Errorf("state mismatch on redirect for %s", serverURL)
	}

	flow.Code = code
	flow = mcpscope.RunFlow(ctx, flow, httpClient)
	if flow.Step == mcpscope.OAuthStepError {
		return flow, fmt.Errorf("authorization failed: %s", flow.Err)
	}

	if err := i.saveFlow(serverURL, flow); err != nil {
		return flow, err
	}
	return flow, nil
}

// AuthHeader returns the Authorization header value for serverURL from a
// completed flow, or empty when none exists.
func (i *Inspector) AuthHeader(serverURL string) string {
	stored, err := i.store.Load()
	if err != nil {
		return ""
	}
	flow, ok := stored.OAuth[serverURL]
	if !ok || flow.Step != mcpscope.OAuthStepComplete {
		return ""
	}
	return flow.Authorization()
}

func (i *Inspector) saveFlow(serverURL string, flow mcpscope.OAuthFlow) error {
	stored, err := i.store.Load()
	if err != nil {
		return err
	}
	if stored.OAuth == nil {
		stored.OAuth = make(map[string]mcpscope.OAuthFlow)
	}
	stored.OAuth[serverURL] = flow
	if err := i.store.Save(stored); err != nil {
		return fmt.Errorf("failed to persist authorization flow: %w", err)
	}
	return nil
}
