package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/protocol"
)

const secretPrefix = "whsec_"

// Verifier checks relay callback signatures. The relay signs
// id + "." + timestamp + "." + body with the shared secret and rejects
// timestamps more than five minutes away from local time.
type Verifier struct {
	wh *svix.Webhook
}

// NewVerifier accepts either a "whsec_" prefixed base64 secret or raw bytes.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	var (
		wh  *svix.Webhook
		err error
	)
	if strings.HasPrefix(secret, secretPrefix) {
		wh, err = svix.NewWebhook(secret)
		if err != nil {
			return nil, errors.New("webhook secret: invalid base64 after whsec_ prefix")
		}
	} else {
		wh, err = svix.NewWebhookRaw([]byte(secret))
		if err != nil {
			return nil, err
		}
	}
	return &Verifier{wh: wh}, nil
}

// Sign returns the signature header value for a callback.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) (string, error) {
	return v.wh.Sign(id, ts, body)
}

// SignHeaders sets the three relay headers on h for body.
func (v *Verifier) SignHeaders(h http.Header, id string, ts time.Time, body []byte) error {
	sig, err := v.Sign(id, ts, body)
	if err != nil {
		return err
	}
	h.Set("svix-id", id)
	h.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
	h.Set("svix-signature", sig)
	return nil
}

// VerifyBody authenticates a callback without interpreting its payload.
// svix-* and webhook-* header names are both accepted.
func (v *Verifier) VerifyBody(h http.Header, body []byte) error {
	if err := v.wh.Verify(body, h); err != nil {
		return apperr.Signature("%v", err)
	}
	return nil
}

// Verify authenticates a callback and decodes its status event. Nothing in
// the body is trusted until the signature matches.
func (v *Verifier) Verify(h http.Header, body []byte) (models.StatusEvent, error) {
	if err := v.VerifyBody(h, body); err != nil {
		return models.StatusEvent{}, err
	}
	var ev models.StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.StatusEvent{}, apperr.Validation("malformed callback body")
	}
	if err := protocol.Validate(&ev); err != nil {
		return models.StatusEvent{}, err
	}
	return ev, nil
}
