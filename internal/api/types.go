package api

import "github.com/hatemosphere/pkgdepot/internal/storage"

// --- Health ---

type HealthCheckOutput struct {
	Body struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
}

// --- Nonces ---

// NonceView is the wire form of a nonce record. Times are unix seconds;
// expires_at 0 means the nonce never expires.
type NonceView struct {
	Token     string         `json:"token"`
	TrueNonce bool           `json:"true_nonce"`
	CreatedAt int64          `json:"created_at"`
	ExpiresAt int64          `json:"expires_at"`
	Data      map[string]any `json:"data"`
}

func newNonceView(rec *storage.NonceRecord) *NonceView {
	v := &NonceView{
		Token:     rec.Token,
		TrueNonce: rec.TrueNonce,
		CreatedAt: rec.CreatedAt.Unix(),
		Data:      rec.Data,
	}
	if !rec.NeverExpires() {
		v.ExpiresAt = rec.ExpiresAt.Unix()
	}
	if v.Data == nil {
		v.Data = map[string]any{}
	}
	return v
}

type CreateNonceInput struct {
	Body struct {
		TrueNonce     bool           `json:"true_nonce,omitempty" doc:"Single-use nonce, consumed by its first successful validation"`
		ExpirySeconds int64          `json:"expiry_seconds,omitempty" doc:"Lifetime in seconds; 0 means never expires"`
		Data          map[string]any `json:"data,omitempty" doc:"Opaque JSON object returned on lookup"`
		Return        string         `json:"return,omitempty" enum:"token,record" doc:"Return only the token (default) or the full record"`
		Persist       *bool          `json:"persist,omitempty" doc:"Store the nonce (default true)"`
	}
}

type CreateNonceOutput struct {
	Body struct {
		Token  string     `json:"token"`
		Record *NonceView `json:"record,omitempty"`
	}
}

type TokenInput struct {
	Token string `path:"token" maxLength:"128"`
}

type NonceOutput struct {
	Body *NonceView
}

type ValidateNonceOutput struct {
	Body struct {
		Valid  bool       `json:"valid"`
		Record *NonceView `json:"record"`
	}
}

type NonceExpiryOutput struct {
	Body struct {
		ExpiresAt    int64 `json:"expires_at"`
		NeverExpires bool  `json:"never_expires"`
	}
}

type NonceDataOutput struct {
	Body struct {
		Data map[string]any `json:"data"`
	}
}

type DeleteNonceOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

type ClearExpiredOutput struct {
	Body struct {
		Removed int64 `json:"removed"`
	}
}

// --- Signatures ---

type VerifySignatureInput struct {
	Body struct {
		APIKeyID       string `json:"api_key_id" required:"true"`
		Timestamp      int64  `json:"timestamp" required:"true"`
		Signature      string `json:"signature" required:"true"`
		Payload        any    `json:"payload" required:"true" doc:"Payload that was signed; any non-empty JSON value"`
		MaxSkewSeconds *int64 `json:"max_skew_seconds,omitempty" doc:"Replay window; defaults to the server setting"`
	}
}

type VerifySignatureOutput struct {
	Body struct {
		Valid   bool   `json:"valid"`
		Outcome string `json:"outcome" enum:"valid,stale,invalid"`
	}
}
