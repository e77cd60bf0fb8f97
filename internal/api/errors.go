package api

import (
	"net/http"

	"github.com/goccy/go-json"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(ge *gwerrors.GatewayError) errorResponse {
	return errorResponse{Error: errorDetail{
		Status:  ge.HTTPStatusCode(),
		Code:    ge.Code,
		Message: ge.Message,
	}}
}

func writeError(w http.ResponseWriter, ge *gwerrors.GatewayError) {
	writeJSON(w, ge.HTTPStatusCode(), errorBody(ge))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
