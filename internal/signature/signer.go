package signature

import (
	"net/http"
	"strconv"

	"github.com/hatemosphere/pkgdepot/internal/clock"
)

// Request headers carrying a signature.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Signer produces signature headers for outgoing requests.
type Signer struct {
	KeyID  string
	Secret string
	Clock  clock.Clock
}

// Sign stamps the current time and signs payload.
func (s *Signer) Sign(payload any) (http.Header, error) {
	clk := s.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ts := clk.Now().Unix()
	sig, err := BuildSignature(s.KeyID, s.Secret, ts, payload)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, 3)
	h.Set(HeaderAPIKey, s.KeyID)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, sig)
	return h, nil
}

// RequestPayload is what a signed HTTP request covers. Body is the parsed
// JSON request body and is omitted when the request has none.
type RequestPayload struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   any    `json:"body,omitempty"`
}
