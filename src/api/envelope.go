// Package api is the HTTP surface: registration, activity ingestion, usage
// queries, the live SSE stream and the operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"apitracker/src/platform/apperr"
)

// envelope is the uniform response shape every endpoint returns.
type envelope struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ResponseObject any    `json:"responseObject"`
	StatusCode     int    `json:"statusCode"`
}

type errorObject struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code string `json:"code"`
}

func writeSuccess(w http.ResponseWriter, status int, message string, object any) {
	writeEnvelope(w, envelope{
		Success:        true,
		Message:        message,
		ResponseObject: object,
		StatusCode:     status,
	})
}

// writeError maps the error's kind to a status and a stable machine code. The
// wrapped cause never reaches the client.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	kind := apperr.KindOf(err)

	message := "internal server error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message()
	}

	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Debug().Err(err).Msg("request rejected")
	}

	writeEnvelope(w, envelope{
		Success:        false,
		Message:        message,
		ResponseObject: errorObject{Error: errorDetail{Code: kind.Code()}},
		StatusCode:     status,
	})
}

func writeEnvelope(w http.ResponseWriter, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.StatusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "malformed request body")
	}
	return nil
}
