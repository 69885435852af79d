package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
)

const signatureHeader = "X-Signature-256"

// registerInbox accepts webhook deliveries from push-based sources. Payloads are
// buffered per channel and read back by the inbox connector during pull.
func registerInbox(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "receive-webhook",
		Method:        http.MethodPost,
		Path:          "/sources/{source}/inbox/{channel}",
		Summary:       "Receive a source webhook",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Source    string `path:"source"`
		Channel   string `path:"channel"`
		EventType string `header:"X-Event-Type"`
		Signature string `header:"X-Signature-256"`
		RawBody   []byte
	}) (*struct {
		Body InboxResponse `json:"body"`
	}, error) {
		payload := input.RawBody
		if len(payload) == 0 {
			payload = bodyBytes(ctx)
		}
		if len(payload) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if !json.Valid(payload) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payload must be JSON", nil)
		}
		if !verifySignature(authCfg.WebhookSecret, input.Signature, payload) {
			authCfg.logger().Warn("webhook signature mismatch", "source", input.Source, "channel", input.Channel)
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", "signature mismatch", map[string]any{"header": signatureHeader})
		}
		id, err := e.ReceiveWebhook(ctx, domain.SourceType(input.Source), input.Channel, input.EventType, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboxResponse `json:"body"`
		}{Body: InboxResponse{ID: id, Source: input.Source, Channel: input.Channel}}, nil
	})
}

// verifySignature checks a "sha256=<hex>" HMAC of the payload. Without a secret every
// delivery is accepted.
func verifySignature(secret, header string, payload []byte) bool {
	if secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
