package transport

import (
	"errors"
	"fmt"
)

// Operations exposed by every node under /v0/<op>.
const (
	OpApplyBatch = "apply-batch"
	OpHeartbeat  = "heartbeat"
	OpStatus     = "status"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnknownNode  = errors.New("unknown node")
)

func opPath(op string) string { return "/v0/" + op }

type errorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned by the client for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}
