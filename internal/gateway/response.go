package gateway

import (
	"encoding/json"

	"github.com/sigee-min/bbmcp/internal/apperr"
)

// Response is the envelope every invocation returns:
// {"ok":true,"data":...} or {"ok":false,"error":{"code","message","details"}}.
type Response struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *apperr.Error `json:"error,omitempty"`
}

// JSON encodes the envelope.
func (r Response) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// respond maps a handler outcome to an envelope. Errors that are not
// domain errors surface as code unknown.
func respond(data any, err error) Response {
	if err == nil {
		return Response{OK: true, Data: data}
	}
	if ae, ok := apperr.As(err); ok {
		return Response{Error: ae}
	}
	return Response{Error: apperr.Wrap(err, "internal error")}
}

// ProjectResult is the data of a project tool call.
type ProjectResult struct {
	ProjectID string `json:"projectId"`
	Revision  int64  `json:"revision"`
	Result    any    `json:"result,omitempty"`
	Jobs      any    `json:"jobs,omitempty"`
}
