package models

import (
	"net/http"
	"time"
)

// Turn is one question/answer exchange in a session.
type Turn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Status tells the caller how an answer was produced.
type Status string

const (
	StatusOK         Status = "ok"
	StatusNoContext  Status = "no_context"
	StatusDegraded   Status = "degraded"
	StatusInitFailed Status = "init_failed"
)

// Source is a cited passage as shown to the end user.
type Source struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Response is the result of a single ask. It is always populated, even on failure.
type Response struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Status  Status   `json:"status"`
}

// HTTPStatus maps the response status to the code an HTTP front end should use.
// Only a hard initialisation failure is reported as a server error.
func (r Response) HTTPStatus() int {
	if r.Status == StatusInitFailed {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
