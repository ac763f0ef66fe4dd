package transport

import "fmt"

// BadRequestError signals a 400 response. The body is kept because schema
// conflicts are detected by matching configured substrings against it.
type BadRequestError struct {
	Body string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("server rejected request (400): %s", e.Body)
}

// UnauthorizedError signals a 401 response.
type UnauthorizedError struct {
	Body string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("authorization failed (401): %s", e.Body)
}

// ConflictError signals a 409 response; the server treats the object as
// already existing.
type ConflictError struct {
	Body string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("object already exists (409): %s", e.Body)
}

// RequestError covers every other non-2xx response.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// ConnectionError signals that no response was obtained at all.
type ConnectionError struct {
	Host       string
	WrappedErr error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.WrappedErr)
}
func (e *ConnectionError) Unwrap() error { return e.WrappedErr }
