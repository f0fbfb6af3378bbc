package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jsoncomm/server"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	listen   string
	wsListen string
	stdio    bool
}

func newServeCommand(st *rootState) *cobra.Command {
	var flags serveFlags

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the diagnostics service",
		Long: `Runs the diagnostics service (echo, ping, sleep, fail) on TCP, a websocket
endpoint, or stdin/stdout. "notify" events are relayed to every connected peer.

When registry endpoints are configured the server advertises itself under
server.service until it shuts down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), st, cmd, flags)
		},
	}

	serveCmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "TCP address to listen on. Overrides server.listen.")
	serveCmd.Flags().StringVar(&flags.wsListen, "ws", "", "Address for the websocket endpoint (served at /). Overrides server.ws_listen.")
	serveCmd.Flags().BoolVar(&flags.stdio, "stdio", false, "Serve a single peer over stdin/stdout instead of listening.")
	return serveCmd
}

func runServe(ctx context.Context, st *rootState, cmd *cobra.Command, flags serveFlags) error {
	cfg := st.cfg
	log := st.log.WithName("serve")

	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = flags.listen
	}
	if cmd.Flags().Changed("ws") {
		cfg.Server.WebSocketListen = flags.wsListen
	}

	connOpts, err := connectionOptions(cfg, log)
	if err != nil {
		return err
	}
	svrOpts := []server.Option{
		server.WithLogger(log),
		server.WithConnectionOptions(connOpts...),
	}
	if !cfg.Server.ConcurrentRequests {
		svrOpts = append(svrOpts, server.WithSerialRequests())
	}
	if cfg.Log.MessageLogDir != "" {
		svrOpts = append(svrOpts, server.WithMessageLogDir(cfg.Log.MessageLogDir))
	}

	reg, err := openRegistry(cfg, log)
	if err != nil {
		return err
	}
	if reg != nil {
		defer func() { _ = reg.Close() }()
		svrOpts = append(svrOpts, server.WithRegistry(reg, cfg.Server.Service, cfg.Advertise(), cfg.Registry.TTL))
	}

	svr := server.NewServer(svrOpts...)
	for _, mw := range serverMiddlewares(cfg) {
		svr.Use(mw)
	}
	if err := newDiagnosticsServer(svr, log); err != nil {
		return err
	}

	if flags.stdio {
		// stdout carries frames; logs go to stderr.
		return svr.ServeStdio(ctx, os.Stdin, os.Stdout)
	}
	if cfg.Server.Listen == "" && cfg.Server.WebSocketListen == "" {
		return errors.New("nothing to serve: set --listen, --ws or --stdio")
	}
	return serveListeners(ctx, svr, cfg.Server.Listen, cfg.Server.WebSocketListen, cmd)
}

// serveListeners runs the TCP and websocket listeners until ctx ends or one
// of them fails, then shuts everything down.
func serveListeners(ctx context.Context, svr *server.Server, listen, wsListen string, cmd *cobra.Command) error {
	var tcpLn, wsLn net.Listener
	if listen != "" {
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		tcpLn = ln
	}
	if wsListen != "" {
		ln, err := net.Listen("tcp", wsListen)
		if err != nil {
			if tcpLn != nil {
				_ = tcpLn.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", wsListen, err)
		}
		wsLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)

	if tcpLn != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", tcpLn.Addr())
		g.Go(func() error { return svr.Serve(tcpLn) })
	}

	var httpServer *http.Server
	if wsLn != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "websocket endpoint ws://%s/\n", wsLn.Addr())
		httpServer = &http.Server{Handler: svr.WebSocketHandler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := httpServer.Serve(wsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		errs := []error{svr.Shutdown(shutdownCtx)}
		if httpServer != nil {
			errs = append(errs, httpServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
