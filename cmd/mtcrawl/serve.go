package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/mtcrawl/harvest"
	"github.com/hazyhaar/mtcrawl/mcpquic"
	"github.com/hazyhaar/mtcrawl/shield"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [--addr host:port]",
		Short: "Serve the HTTP API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			runner, release, err := a.runner(ctx)
			if err != nil {
				return err
			}
			defer release()
			if addr == "" {
				addr = a.cfg.API.Addr
			}
			if a.cfg.API.PasswordHash == "" {
				a.logger.Warn("mtcrawl: API authentication disabled, set api.password_hash")
			}

			if err := shield.InitRateLimits(ctx, a.db); err != nil {
				return err
			}
			limiter := shield.NewRateLimiter(ctx, a.db, shield.WithExclude("/healthz"), shield.WithRateLogger(a.logger))
			limiter.StartReloader(ctx)

			// API-started crawls stop with the server, not with the request.
			svc := a.service(runner, harvest.WithLifetime(ctx))
			srv := &http.Server{
				Addr: addr,
				Handler: svc.Handler(harvest.APIConfig{
					User:         a.cfg.API.User,
					PasswordHash: a.cfg.API.PasswordHash,
					Limiter:      limiter,
				}),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("mtcrawl: API listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			a.logger.Info("mtcrawl: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("mtcrawl: shutdown", "error", err)
			}
			svc.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default api.addr)")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	var quicAddr string
	cmd := &cobra.Command{
		Use:   "mcp [--quic host:port]",
		Short: "Serve the MCP tools over stdio, or over QUIC with --quic.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			runner, release, err := a.runner(ctx)
			if err != nil {
				return err
			}
			defer release()

			srv := mcp.NewServer(&mcp.Implementation{Name: "mtcrawl", Version: version}, nil)
			a.service(runner).RegisterMCP(srv)

			if quicAddr == "" {
				quicAddr = a.cfg.MCP.QUICAddr
			}
			if quicAddr != "" {
				return a.serveQUIC(ctx, srv, quicAddr)
			}
			a.logger.Info("mtcrawl: MCP serving on stdio")
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&quicAddr, "quic", "", "serve MCP over QUIC on this address (default mcp.quic_addr)")
	return cmd
}

func (a *app) serveQUIC(ctx context.Context, srv *mcp.Server, addr string) error {
	var (
		tlsCfg *tls.Config
		err    error
	)
	if a.cfg.MCP.TLSCert != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(a.cfg.MCP.TLSCert, a.cfg.MCP.TLSKey)
	} else {
		a.logger.Warn("mtcrawl: MCP over QUIC with a self-signed certificate")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return err
	}
	ln, err := mcpquic.Listen(addr, tlsCfg, srv, mcpquic.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer ln.Close()
	return ln.Serve(ctx)
}
