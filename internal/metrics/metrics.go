// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "eventscope"

var (
	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Poll ticks by outcome",
		},
		[]string{"outcome"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Notifications delivered to subscribers by direction",
		},
		[]string{"direction"},
	)
	reorgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "Reconciliations that retracted at least one block",
		},
	)
	retractedBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retracted_blocks_total",
			Help:      "Blocks removed from the local view",
		},
	)
	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Matched records delivered undecoded after a decode error",
		},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Ledger node requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	headHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_height",
			Help:      "Number of the most recently adopted block",
		},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Currently registered subscriptions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ticks,
		dispatches,
		reorgs,
		retractedBlocks,
		decodeFailures,
		rpcRequests,
		headHeight,
		activeSubscriptions,
	)
}

func TickSucceeded() {
	ticks.WithLabelValues("ok").Inc()
}

func TickFailed() {
	ticks.WithLabelValues("failed").Inc()
}

// Dispatched counts one delivered notification.
func Dispatched(removed bool) {
	if removed {
		dispatches.WithLabelValues("retract").Inc()
		return
	}
	dispatches.WithLabelValues("adopt").Inc()
}

// Reorg records a reconciliation that retracted n blocks.
func Reorg(n int) {
	if n <= 0 {
		return
	}
	reorgs.Inc()
	retractedBlocks.Add(float64(n))
}

func DecodeFailed() {
	decodeFailures.Inc()
}

func RPCRequest(method string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	rpcRequests.WithLabelValues(method, outcome).Inc()
}

func SetHeadHeight(number uint64) {
	headHeight.Set(float64(number))
}

func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", zap.String("addr", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
