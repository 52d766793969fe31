package ocidist

import (
	"encoding/json"
	"fmt"
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

const ErrUnauthorized = staticError("unauthorized")
const ErrBadGateway = staticError("invalid response from registry")

type NotFoundError struct {
	JSONDesc json.RawMessage
}

func (err NotFoundError) Error() string {
	return "not found"
}

// UnexpectedStatusError is returned when the registry responds with a status
// code that has no more specific error type.
type UnexpectedStatusError struct {
	StatusCode int
	Body       string
}

func (err UnexpectedStatusError) Error() string {
	if err.Body == "" {
		return fmt.Sprintf("unexpected response status %d", err.StatusCode)
	}
	return fmt.Sprintf("unexpected response status %d: %s", err.StatusCode, err.Body)
}

type RequestError struct {
	Wrapped error
}

func (err RequestError) Error() string {
	return fmt.Sprintf("request failed: %s", err.Wrapped)
}

func (err RequestError) Unwrap() error {
	return err.Wrapped
}
