package gateway

import (
	"github.com/meridian-spaces/relay/internal/provider"
)

// Rejection reasons, carried to the client in the close frame text and
// mirrored in the HTTP-like status of the rejection record.
const (
	// ReasonError covers version mismatches and structured provider errors;
	// version mismatches are retryable after the client refreshes.
	ReasonError = "error"
	// ReasonTokenInvalid covers missing, malformed, or expired tokens.
	ReasonTokenInvalid = "tokenInvalid"
	// ReasonAccessRefused covers tokens rejected by policy.
	ReasonAccessRefused = "accessRefused"
	// ReasonInvalidTexture covers unresolved character/companion textures.
	ReasonInvalidTexture = "invalidTexture"
	// ReasonUnknown covers unclassified failures; reported as a generic 500.
	ReasonUnknown = ""
)

// Websocket close codes in the relay's private range, one per rejection
// class, plus the liveness and admin codes.
const (
	CloseUnresponsive    = 4001 // pong timeout
	CloseVersionMismatch = 4419
	CloseAuthFailed      = 4401
	CloseAccessRefused   = 4403
	CloseInvalidTexture  = 4404
	CloseProviderError   = 4502
	CloseUnknownError    = 4500
)

// Rejection is a refused upgrade attempt. No session is created for a
// rejected connection; it is closed immediately with the mapped close code.
type Rejection struct {
	// Reason is one of the Reason constants.
	Reason string
	// Status is the HTTP-like status communicated to the client.
	Status int
	// Message is the user-facing explanation.
	Message string
	// Retryable marks rejections the client may retry after refreshing.
	Retryable bool
	// Provider carries the structured diagnostic for provider failures.
	Provider *provider.Error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Reason == ReasonUnknown {
		return "upgrade rejected: " + r.Message
	}
	return "upgrade rejected (" + r.Reason + "): " + r.Message
}

// CloseCode maps the rejection to its websocket close code.
func (r *Rejection) CloseCode() int {
	switch r.Reason {
	case ReasonError:
		if r.Provider != nil {
			return CloseProviderError
		}
		return CloseVersionMismatch
	case ReasonTokenInvalid:
		return CloseAuthFailed
	case ReasonAccessRefused:
		return CloseAccessRefused
	case ReasonInvalidTexture:
		return CloseInvalidTexture
	default:
		return CloseUnknownError
	}
}

func rejectVersionMismatch(got string) *Rejection {
	return &Rejection{
		Reason:    ReasonError,
		Status:    419,
		Message:   "client version " + got + " is out of date, please refresh",
		Retryable: true,
	}
}

func rejectAuthRequired() *Rejection {
	return &Rejection{
		Reason:  ReasonTokenInvalid,
		Status:  401,
		Message: "anonymous access is disabled, authentication required",
	}
}

func rejectTokenInvalid(err error) *Rejection {
	return &Rejection{
		Reason:  ReasonTokenInvalid,
		Status:  401,
		Message: err.Error(),
	}
}

func rejectAccessRefused(err error) *Rejection {
	return &Rejection{
		Reason:  ReasonAccessRefused,
		Status:  403,
		Message: err.Error(),
	}
}

func rejectProvider(perr *provider.Error) *Rejection {
	return &Rejection{
		Reason:   ReasonError,
		Status:   perr.Status,
		Message:  perr.Title,
		Provider: perr,
	}
}

func rejectUnknown(err error) *Rejection {
	return &Rejection{
		Reason:  ReasonUnknown,
		Status:  500,
		Message: err.Error(),
	}
}

func rejectInvalidTexture(entity string) *Rejection {
	return &Rejection{
		Reason:  ReasonInvalidTexture,
		Status:  404,
		Message: "requested " + entity + " texture could not be resolved",
	}
}
