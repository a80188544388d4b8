package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/verbs-go/cm"
	"github.com/rocketbitz/verbs-go/cm/httprpc"
	"github.com/rocketbitz/verbs-go/verbs"
)

const defaultMessageSize = 64

func (a *app) newManager(dev *verbs.Device) (*cm.Manager, error) {
	metrics, err := cm.NewPrometheusMetrics(cm.PrometheusMetricsOptions{Registerer: a.registry})
	if err != nil {
		return nil, err
	}
	return cm.New(cm.Config{
		Device:           dev,
		Dial:             httprpc.Dialer(),
		Listen:           httprpc.Listener(httprpc.WithLogger(a.log)),
		Host:             a.cfg.Handshake.Host,
		Port:             a.cfg.Handshake.Port,
		IBPort:           uint8(a.cfg.Port),
		StructuredLogger: a.log.Sugar(),
		Metrics:          metrics,
	})
}

func newServeCmd(a *app) *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and echo every message back",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dev, err := a.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()
			m, err := a.newManager(dev)
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			accept := func(c cm.Conn) {
				log := a.log.With(zap.Uint32("qpn", c.QP.QPN()), zap.Uint32("remote_qpn", c.Peer.QPN))
				e, err := newEchoConn(dev, c, size)
				if err == nil {
					err = e.postRecv(0)
				}
				if err != nil {
					log.Error("prepare echo connection", zap.Error(err))
					if e != nil {
						_ = e.Close()
					} else {
						_ = c.Close()
					}
					return
				}
				log.Info("connection accepted")
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := e.serve(ctx); err != nil {
						log.Warn("echo stopped", zap.Error(err))
					}
					if err := e.Close(); err != nil {
						log.Warn("close connection", zap.Error(err))
					}
				}()
			}

			g, gctx := errgroup.WithContext(ctx)
			if addr := a.cfg.Metrics.Addr; addr != "" {
				g.Go(func() error { return serveMetrics(gctx, addr, a.registry, a.log) })
			}
			g.Go(func() error { return m.RunServer(gctx, accept) })
			err = g.Wait()
			stop()
			wg.Wait()
			return err
		},
	}

	cmd.Flags().IntVar(&size, "size", defaultMessageSize, "Largest message size accepted, in bytes")
	return cmd
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
