package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/pkgdepot/internal/nonce"
)

func (s *Server) registerNonces(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createNonce",
		Method:        http.MethodPost,
		Path:          "/api/nonces",
		Tags:          []string{"Nonces"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateNonceInput) (*CreateNonceOutput, error) {
		kind, err := nonce.ParseReturnKind(input.Body.Return)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		persist := true
		if input.Body.Persist != nil {
			persist = *input.Body.Persist
		}

		res, err := s.nonces.Create(ctx, nonce.CreateParams{
			TrueNonce:     input.Body.TrueNonce,
			ExpirySeconds: input.Body.ExpirySeconds,
			Data:          input.Body.Data,
			Return:        kind,
			Persist:       persist,
		})
		if err != nil {
			return nil, toHTTPError(err)
		}

		out := &CreateNonceOutput{}
		out.Body.Token = res.Token()
		if res.Kind() == nonce.ReturnRecord {
			out.Body.Record = newNonceView(res.Record)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clearExpiredNonces",
		Method:      http.MethodPost,
		Path:        "/api/nonces/clear-expired",
		Tags:        []string{"Nonces"},
	}, func(ctx context.Context, input *struct{}) (*ClearExpiredOutput, error) {
		var (
			n   int64
			err error
		)
		if s.collector != nil {
			n, err = s.collector.RunOnce(ctx)
		} else {
			n, err = s.nonces.ClearExpired(ctx)
		}
		if err != nil {
			return nil, toHTTPError(err)
		}
		out := &ClearExpiredOutput{}
		out.Body.Removed = n
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validateNonce",
		Method:      http.MethodPost,
		Path:        "/api/nonces/{token}/validate",
		Tags:        []string{"Nonces"},
	}, func(ctx context.Context, input *TokenInput) (*ValidateNonceOutput, error) {
		if err := validateToken(input.Token); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		rec, err := s.nonces.Validate(ctx, input.Token)
		if err != nil {
			return nil, toHTTPError(err)
		}
		out := &ValidateNonceOutput{}
		out.Body.Valid = true
		out.Body.Record = newNonceView(rec)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getNonce",
		Method:      http.MethodGet,
		Path:        "/api/nonces/{token}",
		Tags:        []string{"Nonces"},
	}, func(ctx context.Context, input *TokenInput) (*NonceOutput, error) {
		if err := validateToken(input.Token); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		rec, err := s.nonces.Get(ctx, input.Token)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &NonceOutput{Body: newNonceView(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getNonceExpiry",
		Method:      http.MethodGet,
		Path:        "/api/nonces/{token}/expiry",
		Tags:        []string{"Nonces"},
	}, func(ctx context.Context, input *TokenInput) (*NonceExpiryOutput, error) {
		if err := validateToken(input.Token); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		exp, err := s.nonces.GetExpiry(ctx, input.Token)
		if err != nil {
			return nil, toHTTPError(err)
		}
		out := &NonceExpiryOutput{}
		if exp.IsZero() {
			out.Body.NeverExpires = true
		} else {
			out.Body.ExpiresAt = exp.Unix()
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getNonceData",
		Method:      http.MethodGet,
		Path:        "/api/nonces/{token}/data",
		Tags:        []string{"Nonces"},
	}, func(ctx context.Context, input *TokenInput) (*NonceDataOutput, error) {
		if err := validateToken(input.Token); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		data, err := s.nonces.GetData(ctx, input.Token)
		if err != nil {
			return nil, toHTTPError(err)
		}
		out := &NonceDataOutput{}
		out.Body.Data = data
		if out.Body.Data == nil {
			out.Body.Data = map[string]any{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deleteNonce",
		Method:      http.MethodDelete,
		Path:        "/api/nonces/{token}",
		Tags:        []string{"Nonces"},
	}, func(ctx context.Context, input *TokenInput) (*DeleteNonceOutput, error) {
		if err := validateToken(input.Token); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		ok, err := s.nonces.Delete(ctx, input.Token)
		if err != nil {
			return nil, toHTTPError(err)
		}
		out := &DeleteNonceOutput{}
		out.Body.Deleted = ok
		return out, nil
	})
}
