package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/approval"
	"github.com/preacher1045/pdsno/internal/metrics"
)

// shutdownTimeout bounds how long in-flight requests get on shutdown.
const shutdownTimeout = 10 * time.Second

// maxRequestBody caps operation request bodies.
const maxRequestBody = 1 << 20

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Ready, when set, receives the bound address once the server is
	// listening. Used by tests that listen on port 0.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller daemon",
		Long: `Run the controller daemon.

Verifies the audit trail, then serves until interrupted:

  POST /v1/ops   one governance operation ({"op": ..., "caller": ...})
  GET  /metrics  Prometheus metrics
  GET  /healthz  database reachability

and sweeps expired locks every locks.sweep_interval. The listen address
comes from metrics.listen in the config, or --listen.

Example:
  pdsno serve
  pdsno serve --config /etc/pdsno/pdsno.yaml --listen :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default: metrics.listen from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger := a.logger

	listen := opts.Listen
	if listen == "" {
		listen = a.cfg.Metrics.Listen
	}
	if listen == "" {
		return NewExitError(ExitCommandError, "no listen address: set metrics.listen or --listen")
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	report, err := a.audit.Verify(ctx, a.keyring())
	if err != nil {
		return WrapExitError(ExitFailure, "audit trail does not verify", err)
	}
	logger.Info("audit trail verified", "events", report.Events, "last_seq", report.LastSeq)

	svc, err := a.service(nil)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = a.sweeper().Run(ctx)
	}()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		cancel()
		<-sweepDone
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           newServeMux(a, svc),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	logger.Info("controller started",
		"identity", a.cfg.Identity.ID,
		"authority", a.cfg.Identity.Authority,
		"listen", addr,
		"db", a.cfg.Store.Path,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Controller %s listening on %s\n", a.cfg.Identity.ID, addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "server error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	<-sweepDone

	logger.Info("controller stopped gracefully")
	return runErr
}

func newServeMux(a *app, svc *approval.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(a.registry))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /v1/ops", func(w http.ResponseWriter, r *http.Request) {
		var req approval.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, approval.Response{
				Kind:    approval.KindInvalidRequest,
				Message: "invalid request body: " + err.Error(),
			})
			return
		}
		resp := svc.Handle(r.Context(), req)
		a.logger.Debug("operation handled", "op", req.Op, "caller", req.Caller.ID, "ok", resp.OK, "kind", resp.Kind)
		writeJSON(w, statusFor(resp), resp)
	})
	return mux
}

// statusFor maps an operation outcome to an HTTP status. The body
// always carries the full response.
func statusFor(resp approval.Response) int {
	switch resp.Kind {
	case approval.KindNone:
		return http.StatusOK
	case approval.KindInvalidRequest:
		return http.StatusBadRequest
	case approval.KindNotFound:
		return http.StatusNotFound
	case approval.KindAuthority, approval.KindTokenInvalid:
		return http.StatusForbidden
	case approval.KindRateLimited:
		return http.StatusTooManyRequests
	case approval.KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusConflict
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
