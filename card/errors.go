package card

import (
	"fmt"

	"github.com/skythen/apdu"
)

// MalformedResponseError results from a response that is too short to carry a status word.
type MalformedResponseError struct {
	Response []byte // Raw bytes received from the transport.
}

func (e MalformedResponseError) Error() string {
	return fmt.Sprintf("card: malformed response: expected at least 2 bytes, got %d: %02X", len(e.Response), e.Response)
}

// ProtocolError results from a violation of the command/response protocol, e.g. a failed transmission,
// a command that cannot be framed or a handshake response that cannot be parsed.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e ProtocolError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("card: protocol error: %s", e.Message)
	}

	return fmt.Sprintf("card: protocol error: %s: %v", e.Message, e.Cause)
}

// Unwrap returns the cause of the error.
func (e ProtocolError) Unwrap() error { return e.Cause }

// AuthenticationError results from a failed secure channel handshake: a non-success status word,
// a wrong card cryptogram or keys that cannot be used. The caller may retry with different keys.
type AuthenticationError struct {
	Message string
	Cause   error
}

func (e AuthenticationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("card: authentication failed: %s", e.Message)
	}

	return fmt.Sprintf("card: authentication failed: %s: %v", e.Message, e.Cause)
}

// Unwrap returns the cause of the error.
func (e AuthenticationError) Unwrap() error { return e.Cause }

// SecurityError results from an integrity or confidentiality failure on an established secure channel.
// The channel that produced it is poisoned and must not be used again.
type SecurityError struct {
	Message string
	Cause   error
}

func (e SecurityError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("card: security error: %s", e.Message)
	}

	return fmt.Sprintf("card: security error: %s: %v", e.Message, e.Cause)
}

// Unwrap returns the cause of the error.
func (e SecurityError) Unwrap() error { return e.Cause }

// NonSuccessResponseError results from receiving a Response APDU with a non-success status word.
type NonSuccessResponseError struct {
	Command  apdu.Capdu // CAPDU that was transmitted.
	Response apdu.Rapdu // RAPDU that has been received.
}

func (e NonSuccessResponseError) Error() string {
	return fmt.Sprintf("card: received non success response CAPDU: %s RAPDU: %s", e.Command.String(), e.Response.String())
}
