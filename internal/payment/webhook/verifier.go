// Package webhook authenticates inbound payment-provider notifications
// before they reach the reconciliation engine. The raw body must stay
// unparsed until the signature check passes: parsing first would let a
// forged-then-reformatted payload through.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned for forged, malformed, or expired
// signature headers. No state is touched and no ledger record is created,
// so a legitimate retry with a corrected signature can still succeed.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event types the provider delivers for payment intents.
const (
	TypeAuthorizationSucceeded = "payment_intent.succeeded"
	TypeAuthorizationFailed    = "payment_intent.payment_failed"
)

// Event is the validated, explicitly-typed notification produced only
// after signature verification succeeds.
type Event struct {
	ID         string
	Type       string
	OrderID    string
	PaymentRef string
}

// payload mirrors the provider's wire shape.
type payload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Metadata struct {
				OrderID string `json:"order_id"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Verifier checks provider signatures. The scheme is HMAC-SHA256 over
// "<timestamp>.<raw body>" with a shared secret, delivered as a
// "t=<unix>,v1=<hex>" header.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// New builds a Verifier. An empty secret is a configuration error, not a
// signal to skip verification.
func New(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook: signing secret is required")
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: 5 * time.Minute,
		now:       time.Now,
	}, nil
}

// Verify authenticates rawBody against sigHeader and returns the typed
// event. Any failure maps to ErrInvalidSignature.
func (v *Verifier) Verify(rawBody []byte, sigHeader string) (Event, error) {
	ts, sig, err := parseHeader(sigHeader)
	if err != nil {
		return Event{}, err
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)

	// hmac.Equal is constant-time.
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Event{}, fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}

	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return Event{}, fmt.Errorf("webhook: decode verified payload: %w", err)
	}
	if p.ID == "" || p.Type == "" {
		return Event{}, fmt.Errorf("webhook: payload missing event id or type")
	}

	return Event{
		ID:         p.ID,
		Type:       p.Type,
		OrderID:    p.Data.Object.Metadata.OrderID,
		PaymentRef: p.Data.Object.ID,
	}, nil
}

// Sign produces a signature header for rawBody at the given time. Used by
// tests and by the local provider simulator.
func (v *Verifier) Sign(rawBody []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func parseHeader(header string) (int64, []byte, error) {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			tsPart = val
		case "v1":
			sigPart = val
		}
	}
	if tsPart == "" || sigPart == "" {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(sigPart)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad digest encoding", ErrInvalidSignature)
	}
	return ts, sig, nil
}
