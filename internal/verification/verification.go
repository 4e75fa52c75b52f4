// Package verification wraps the third-party bot-verification vendor behind
// a tri-state outcome. The adapter never raises past its own boundary: any
// vendor failure degrades the request to the strict rate-limit tier instead
// of producing a server error.
package verification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
)

// Outcome is the vendor verdict consumed by the admission pipeline.
type Outcome int

const (
	// Verified means the vendor confirmed the token; the normal tier applies.
	Verified Outcome = iota
	// Rejected means the vendor judged the token invalid; the strict tier applies.
	Rejected
	// Unavailable means the vendor could not be consulted; the strict tier applies.
	Unavailable
)

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Rejected:
		return "rejected"
	default:
		return "unavailable"
	}
}

// vendorResponse is the minimal shape this gateway relies on. Anything
// beyond the success flag is vendor-specific and ignored.
type vendorResponse struct {
	Success bool `json:"success"`
}

// Adapter calls the verification vendor with a bounded timeout and keeps a
// per-identity strict marker in the counter store so that a rejected
// identity stays on the strict tier until a valid token is presented.
type Adapter struct {
	endpoint string
	secret   string
	client   *http.Client
	store    store.CounterStore
	settings *settings.Accessor
}

// NewAdapter constructs an Adapter. An empty endpoint disables vendor calls
// entirely; every request then verifies as long as it is not marked strict.
func NewAdapter(endpoint, secret string, client *http.Client, counterStore store.CounterStore, accessor *settings.Accessor) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{
		endpoint: strings.TrimSpace(endpoint),
		secret:   secret,
		client:   client,
		store:    counterStore,
		settings: accessor,
	}
}

func strictKey(identity string) string { return "strict:" + identity }

// Verify resolves the outcome for this request and updates the identity's
// strict marker: verified clears it, rejected or unavailable sets it.
func (a *Adapter) Verify(ctx context.Context, identity, token string) Outcome {
	outcome := a.callVendor(ctx, token)

	switch outcome {
	case Verified:
		if errClear := a.store.Delete(ctx, strictKey(identity)); errClear != nil {
			log.WithError(errClear).Warn("verification: clear strict marker failed")
		}
	default:
		ttl := a.settings.StrictMarkerTTL(ctx)
		if errMark := a.store.Set(ctx, strictKey(identity), outcome.String(), ttl); errMark != nil {
			log.WithError(errMark).Warn("verification: set strict marker failed")
		}
	}
	return outcome
}

// IsStrict reports whether the identity carries a strict marker from an
// earlier rejected or unavailable verification.
func (a *Adapter) IsStrict(ctx context.Context, identity string) bool {
	marked, errExists := a.store.Exists(ctx, strictKey(identity))
	if errExists != nil {
		// When the marker cannot be read, stay conservative.
		return true
	}
	return marked
}

// callVendor performs the bounded vendor call. Timeouts, transport errors,
// vendor 5xx and unparseable bodies are all Unavailable, never an error.
func (a *Adapter) callVendor(ctx context.Context, token string) Outcome {
	if token == "" {
		return Rejected
	}
	if a.endpoint == "" {
		return Verified
	}

	timeout := a.settings.VerificationTimeout(ctx)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", a.secret)
	form.Set("response", token)

	req, errReq := http.NewRequestWithContext(callCtx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if errReq != nil {
		log.WithError(errReq).Warn("verification: build vendor request failed")
		return Unavailable
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, errDo := a.client.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warn("verification: vendor unreachable")
		return Unavailable
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		log.WithField("status", resp.StatusCode).Warn("verification: vendor error")
		return Unavailable
	}

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if errRead != nil {
		log.WithError(errRead).Warn("verification: read vendor response failed")
		return Unavailable
	}
	var parsed vendorResponse
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("verification: parse vendor response failed")
		return Unavailable
	}
	if !parsed.Success {
		return Rejected
	}
	return Verified
}
