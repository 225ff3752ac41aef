package inactivity

import (
	"encoding/json"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/proxyfabric"
)

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return domain.NewError(domain.ErrInvalidArgument, "missing request payload", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.NewError(domain.ErrInvalidArgument, "malformed request payload", nil)
	}
	return nil
}

func okResponse(id string, v any) (proxyfabric.CoreResponse, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return proxyfabric.CoreResponse{}, err
	}
	return proxyfabric.CoreResponse{ID: id, Payload: payload}, nil
}

func errResponse(id string, err error) proxyfabric.CoreResponse {
	code := domain.ErrInternalServer
	msg := err.Error()
	if de, ok := err.(*domain.Error); ok {
		code = de.Code
		msg = de.Message
	}
	return proxyfabric.CoreResponse{
		ID:    id,
		Error: &proxyfabric.ResponseError{Code: code, Message: msg},
	}
}
