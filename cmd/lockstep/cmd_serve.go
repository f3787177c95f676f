package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockstep/lockstep/pkg/lockstep"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var g graphOptions
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a prebuilt graph over HTTP",
		Long: `Loads a prebuilt topology and exposes it over HTTP:

  GET  /healthz     liveness
  GET  /metrics     Prometheus metrics
  GET  /status      actor states, timestep and sink vars
  GET  /snapshots   stored snapshots (?run_id=&process=)
  POST /run         {"steps": n, "blocking": bool} or {"continuous": true}
  POST /inject      {"injector": name, "data": [...]}
  POST /stop        end any run and tear the graph down

/debug/pprof is mounted when server.pprof is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				s.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := lockstep.NewRuntime(ctx, s, lockstep.WithSelector(g.selector()))
			if err != nil {
				return err
			}
			defer rt.Close()

			graph, err := g.build(ctx, s, rt.Logger())
			if err != nil {
				return err
			}
			if err := rt.Load(graph.Roots...); err != nil {
				return err
			}

			srv := &server{rt: rt, graph: graph, log: rt.Logger().WithName("http"), pprof: s.Server.Pprof}
			return serve(ctx, s.Server.Addr, srv, cmd)
		},
	}
	addGraphFlags(cmd, &g)
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, addr string, srv *server, cmd *cobra.Command) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hs := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	srv.log.Info("serving", "addr", ln.Addr().String(), "graph", srv.graph.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "lockstep listening on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	srv.log.Info("server stopped")
	return nil
}
