// CLAUDE:SUMMARY MCP over QUIC: ALPN, stream preamble, error codes and connection errors.
// Package mcpquic serves and dials the mtcrawl MCP tools over QUIC. One
// bidirectional stream per connection carries the newline-delimited
// JSON-RPC of one MCP session. The client opens it with a 4-byte preamble.
package mcpquic

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is negotiated during the TLS handshake.
	ALPNProtocol = "mtcrawl-mcp/1"
	// Preamble opens every MCP stream.
	Preamble = "MTC1"
)

// Application error codes sent on connection close.
const (
	ConnErrorNone              quic.ApplicationErrorCode = 0x00
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x01
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x02
	ConnErrorShutdown          quic.ApplicationErrorCode = 0x03
)

// StreamErrorBadPreamble resets a stream that did not start with Preamble.
const StreamErrorBadPreamble quic.StreamErrorCode = 0x10

var (
	ErrBadPreamble     = errors.New("mcpquic: bad stream preamble")
	ErrUnsupportedALPN = errors.New("mcpquic: unsupported ALPN")
	ErrNotConnected    = errors.New("mcpquic: not connected")
)

// ConnectionError is a failed connection to or from RemoteAddr.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: %s (code 0x%02x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WritePreamble writes Preamble to w.
func WritePreamble(w io.Writer) error {
	if _, err := io.WriteString(w, Preamble); err != nil {
		return fmt.Errorf("mcpquic: write preamble: %w", err)
	}
	return nil
}

// ReadPreamble consumes and checks the preamble from r.
func ReadPreamble(r io.Reader) error {
	buf := make([]byte, len(Preamble))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}
	if string(buf) != Preamble {
		return fmt.Errorf("%w: got %q", ErrBadPreamble, buf)
	}
	return nil
}
