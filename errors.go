package mcpscope

import "fmt"

// ConfigurationError reports connection parameters or user input that can never
// produce a working connection. It is returned synchronously, before any process
// is spawned or network traffic occurs.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ConnectionError reports a failure to establish or maintain a connection:
// transport startup, the initialize handshake, or an unusable endpoint.
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a JSON-RPC error object the server returned for a request.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    map[string]any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed, code: %d, message: %s", e.Method, e.Code, e.Message)
}

// ValidationError reports a server response that does not match the shape the
// caller expected for the method.
type ValidationError struct {
	Method string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s response: %v", e.Method, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// CancelledError reports that the caller abandoned the operation before the
// server answered.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// ConnectionLostError settles every request still pending when the transport
// drops. Err carries the transport's terminal error when one is known.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	if e.Err == nil {
		return "connection lost"
	}
	return fmt.Sprintf("connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error {
	return e.Err
}
