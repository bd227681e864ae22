// Package metrics exposes Prometheus counters for the bridge and the ops
// HTTP endpoint serving them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRcpt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email2signal_rcpt_total",
			Help: "RCPT commands by classification, known values: messaging, email, malformed.",
		},
		[]string{
			"kind",
		},
	)
	metricSignal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email2signal_signal_send_total",
			Help: "Signal deliveries, known values: ok, failed, filtered, nobody.",
		},
		[]string{
			"result",
		},
	)
	metricRelay = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email2signal_relay_total",
			Help: "Upstream relay results by provider and status.",
		},
		[]string{
			"provider",
			"status",
		},
	)
	metricTransaction = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email2signal_transaction_total",
			Help: "Completed DATA transactions by SMTP reply code.",
		},
		[]string{
			"code",
		},
	)
)

// Result values for SignalSend.
const (
	SignalOK       = "ok"
	SignalFailed   = "failed"
	SignalFiltered = "filtered"
	SignalNoBody   = "nobody"
)

// Rcpt counts one classified recipient.
func Rcpt(kind string) {
	metricRcpt.WithLabelValues(kind).Inc()
}

// SignalSend counts one Signal delivery attempt.
func SignalSend(result string) {
	metricSignal.WithLabelValues(result).Inc()
}

// Relay counts one relay attempt.
func Relay(provider, status string) {
	metricRelay.WithLabelValues(provider, status).Inc()
}

// Transaction counts one DATA reply.
func Transaction(code int) {
	metricTransaction.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Handler returns the ops router: GET /metrics and GET /healthz.
func Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln)
}

// Serve serves Handler on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	slog.Info("metrics endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
