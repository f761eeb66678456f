package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// Client is an MCP client session over one QUIC connection.
type Client struct {
	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// Dial connects to addr and completes the MCP handshake. A nil tlsCfg
// verifies the server certificate.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (*Client, error) {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("mcpquic: dial %s: %w", addr, err)
	}
	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocol {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN")
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "no stream")
		return nil, &ConnectionError{RemoteAddr: addr, Code: ConnErrorProtocolViolation, Err: err}
	}
	if err := WritePreamble(stream); err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "preamble")
		return nil, err
	}

	c := &Client{conn: conn, stream: stream}
	hctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "mtcrawl-quic-client", Version: "1"}, nil)
	session, err := client.Connect(hctx, &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: streamCloser{stream},
	}, nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcpquic: mcp handshake: %w", err)
	}
	c.session = session
	return c, nil
}

func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.ListTools(ctx, nil)
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Close ends the session and the connection.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		return c.conn.CloseWithError(ConnErrorNone, "client closing")
	}
	return nil
}
