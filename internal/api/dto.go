package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SubmitRequest admits one sequence. The prompt is pre-tokenized; this core
// has no tokenizer.
type SubmitRequest struct {
	Prompt          []int `json:"prompt"`
	MaxOutputTokens int   `json:"max_output_tokens"`
}

type SubmitResponse struct {
	SequenceID string `json:"sequence_id"`
	State      string `json:"state"`
	CreatedAt  int64  `json:"created_at"`
}

type CancelResponse struct {
	SequenceID string `json:"sequence_id"`
	Cancelled  bool   `json:"cancelled"`
}

// ResponseError is the error envelope body.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func sendSSEEvent(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}
