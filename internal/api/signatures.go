package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
	"github.com/hatemosphere/pkgdepot/internal/signature"
)

func (s *Server) registerSignatures(api huma.API) {
	// Lets a downstream service check a signature it received without holding
	// the secret itself.
	huma.Register(api, huma.Operation{
		OperationID: "verifySignature",
		Method:      http.MethodPost,
		Path:        "/api/signatures/verify",
		Tags:        []string{"Signatures"},
	}, func(ctx context.Context, input *VerifySignatureInput) (*VerifySignatureOutput, error) {
		maxSkew := s.maxSkew
		if input.Body.MaxSkewSeconds != nil {
			maxSkew = *input.Body.MaxSkewSeconds
		}

		outcome := signature.Invalid
		secret, err := s.resolver.Resolve(ctx, input.Body.APIKeyID)
		switch {
		case err == nil:
			outcome = s.verifier.Verify(input.Body.Signature, input.Body.APIKeyID, secret,
				input.Body.Timestamp, input.Body.Payload, maxSkew)
		case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidArgument):
			// Unknown keys report plain Invalid.
		default:
			return nil, huma.Error503ServiceUnavailable("credential lookup failed")
		}

		out := &VerifySignatureOutput{}
		out.Body.Valid = outcome == signature.Valid
		out.Body.Outcome = outcome.String()
		return out, nil
	})
}
