package server

import (
	"encoding/json"
	"net/http"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

// All responses share the envelope {ok: bool, ...}; failures carry a stable
// machine code plus a human message.
type errorBody struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	if code == "" {
		code = "UNKNOWN_ERROR"
	}
	writeJSON(w, errors.HTTPStatus(err), errorBody{
		OK:      false,
		Code:    code,
		Message: err.Error(),
	})
}
