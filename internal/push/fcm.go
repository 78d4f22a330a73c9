package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// FCMProvider sends pushes through Firebase Cloud Messaging's HTTP v1 API.
// Same justification as APNProvider for using net/http directly: no FCM
// client library appears in the example corpus.
type FCMProvider struct {
	Endpoint string // e.g. https://fcm.googleapis.com/v1/projects/{project}/messages:send
	client   *http.Client
}

// NewFCMProvider constructs an FCMProvider. The provider attaches no OAuth2
// bearer token of its own; any authorization comes from client's
// Transport.
func NewFCMProvider(endpoint string, client *http.Client) *FCMProvider {
	return &FCMProvider{Endpoint: endpoint, client: client}
}

func (p *FCMProvider) Name() string { return "fcm" }

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token string            `json:"token"`
	Data  map[string]string `json:"data"`
}

// Send posts a data-only wake message (no notification payload) to token,
// for the same reason APNProvider sends a silent push: the server never
// puts ciphertext in a platform push.
func (p *FCMProvider) Send(ctx context.Context, token string) error {
	req := fcmRequest{Message: fcmMessage{Token: token, Data: map[string]string{"wake": "1"}}}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("push: encode fcm payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build fcm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: fcm request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusBadRequest:
		// FCM reports an unregistered/invalid token via 404 or a 400 with
		// an UNREGISTERED/INVALID_ARGUMENT error body; either way it is a
		// permanent rejection from this server's perspective.
		return fmt.Errorf("push: fcm rejected token (status %d): %w", resp.StatusCode, ErrStaleToken)
	default:
		return fmt.Errorf("push: fcm returned status %d", resp.StatusCode)
	}
}
