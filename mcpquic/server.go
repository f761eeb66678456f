package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/mtcrawl/internal/idgen"
	"github.com/hazyhaar/mtcrawl/kit"
)

// Listener serves one MCP server to every accepted QUIC connection.
type Listener struct {
	ql     *quic.Listener
	srv    *mcp.Server
	logger *slog.Logger
	newID  idgen.Generator
	wg     sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

func WithLogger(l *slog.Logger) Option { return func(ln *Listener) { ln.logger = l } }

// WithIDGenerator sets the session id generator. Default "quic_" + UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option { return func(ln *Listener) { ln.newID = gen } }

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, tlsCfg *tls.Config, srv *mcp.Server, opts ...Option) (*Listener, error) {
	ql, err := quic.ListenAddr(addr, tlsCfg, QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("mcpquic: listen %s: %w", addr, err)
	}
	l := &Listener{
		ql:     ql,
		srv:    srv,
		logger: slog.Default(),
		newID:  idgen.Prefixed("quic_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Addr is the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Serve accepts connections until ctx ends, then waits for open sessions.
func (l *Listener) Serve(ctx context.Context) error {
	l.logger.Info("mcpquic: listening", "addr", l.Addr().String())
	defer l.wg.Wait()
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mcpquic: accept: %w", err)
		}
		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocol {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN "+alpn)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.serveConn(ctx, conn); err != nil {
				l.logger.Warn("mcpquic: session failed", "error", err)
			}
		}()
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ql.Close() }

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) error {
	remote := conn.RemoteAddr().String()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "no stream")
		return &ConnectionError{RemoteAddr: remote, Code: ConnErrorProtocolViolation, Err: err}
	}
	if err := ReadPreamble(stream); err != nil {
		stream.CancelRead(StreamErrorBadPreamble)
		stream.CancelWrite(StreamErrorBadPreamble)
		conn.CloseWithError(ConnErrorProtocolViolation, "bad preamble")
		return &ConnectionError{RemoteAddr: remote, Code: ConnErrorProtocolViolation, Err: err}
	}

	id := l.newID()
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, id)
	l.logger.Info("mcpquic: session started", "session", id, "remote", remote)

	ss, err := l.srv.Connect(ctx, &streamTransport{stream: stream, id: id}, nil)
	if err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "connect failed")
		return &ConnectionError{RemoteAddr: remote, Code: ConnErrorProtocolViolation, Err: err}
	}
	if err := ss.Wait(); err != nil {
		l.logger.Debug("mcpquic: session wait", "session", id, "error", err)
	}
	conn.CloseWithError(ConnErrorNone, "session over")
	l.logger.Info("mcpquic: session ended", "session", id, "remote", remote)
	return nil
}

// streamTransport runs the newline-delimited JSON-RPC of one MCP session
// over a QUIC stream.
type streamTransport struct {
	stream *quic.Stream
	id     string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := (&mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamCloser{t.stream},
	}).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &namedConn{Connection: conn, id: t.id}, nil
}

// namedConn reports the listener's session id.
type namedConn struct {
	mcp.Connection
	id string
}

func (c *namedConn) SessionID() string { return c.id }

// streamCloser closes the write side only; the peer sees EOF.
type streamCloser struct{ s *quic.Stream }

func (w streamCloser) Write(p []byte) (int, error) { return w.s.Write(p) }
func (w streamCloser) Close() error                { return w.s.Close() }
