package apperr

import "net/http"

// Body is the wire form of every error response.
type Body struct {
	Kind    Kind   `json:"kind"`
	Code    Code   `json:"code"`
	Reason  string `json:"reason"`
	Current any    `json:"current,omitempty"`
}

// HTTPStatus maps an error to the status code the transport answers with.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.Code == CodeExpired {
		return http.StatusGone
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindTierRequirement:
		return http.StatusForbidden
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToBody renders err for the client. Internal details of foreign and
// Internal errors are not exposed.
func ToBody(err error) Body {
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		return Body{Kind: KindInternal, Code: CodeInternal, Reason: "internal error"}
	}
	return Body{Kind: e.Kind, Code: e.Code, Reason: e.Reason, Current: e.Current}
}
