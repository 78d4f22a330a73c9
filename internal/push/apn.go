package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// APNProvider sends pushes through Apple's HTTP/2 APNs gateway.
//
// No APNs client library appears anywhere in the retrieved example corpus
// (grep across every repo and other_examples/ turned up only a
// Kafka-backed push dispatch abstraction in vison888/open-im-server, which
// delegates the actual platform call out of that codebase entirely), so
// this talks to the documented HTTP/2 endpoint directly via net/http,
// which already negotiates HTTP/2 over TLS with no extra dependency.
type APNProvider struct {
	Endpoint string // e.g. https://api.push.apple.com/3/device
	Topic    string
	client   *http.Client
}

// NewAPNProvider constructs an APNProvider. The provider adds no APNs auth
// token or client certificate of its own; any such credential comes from
// client's Transport.
func NewAPNProvider(endpoint, topic string, client *http.Client) *APNProvider {
	return &APNProvider{Endpoint: endpoint, Topic: topic, client: client}
}

func (p *APNProvider) Name() string { return "apn" }

type apnPayload struct {
	Aps struct {
		ContentAvailable int `json:"content-available"`
	} `json:"aps"`
}

// Send posts a silent content-available wake to the device identified by
// token. The server never includes plaintext in a push payload.
func (p *APNProvider) Send(ctx context.Context, token string) error {
	var payload apnPayload
	payload.Aps.ContentAvailable = 1
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: encode apns payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s", p.Endpoint, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build apns request: %w", err)
	}
	req.Header.Set("apns-topic", p.Topic)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: apns request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone, http.StatusBadRequest:
		// 410 Gone is APNs' explicit unregistered signal; 400 with a
		// BadDeviceToken reason is the same fact surfaced differently.
		return fmt.Errorf("push: apns rejected token (status %d): %w", resp.StatusCode, ErrStaleToken)
	default:
		return fmt.Errorf("push: apns returned status %d", resp.StatusCode)
	}
}
