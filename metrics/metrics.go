package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/fairdraw/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// DrawMetrics about the draw lifecycle (rounds, reveals, settlements)
	DrawMetrics = prometheus.NewRegistry()

	// RoundsOpened counts rounds created
	RoundsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rounds_opened",
		Help: "Number of rounds opened",
	})
	// EntriesRegistered counts accepted participant registrations
	EntriesRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entries_registered",
		Help: "Number of entries registered across all rounds",
	})
	// DrawsRequested counts randomness requests submitted to the provider
	DrawsRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draws_requested",
		Help: "Number of randomness requests submitted to the provider",
	})
	// RevealsConsumed counts provider reveals consumed exactly once
	RevealsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reveals_consumed",
		Help: "Number of provider reveals consumed",
	})
	// UnknownSequenceCallbacks counts reveals that matched no round or an
	// already-consumed round; a high rate points at a misbehaving provider
	UnknownSequenceCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unknown_sequence_callbacks",
		Help: "Number of reveals ignored for unknown or consumed sequence numbers",
	})
	// RoundsSettled counts rounds with a recorded payout
	RoundsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rounds_settled",
		Help: "Number of rounds settled",
	})
	// RoundsCancelled counts rounds cancelled after their deadline
	RoundsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rounds_cancelled",
		Help: "Number of rounds cancelled and refunded",
	})
	// WithdrawalCounter counts withdrawal attempts by result
	WithdrawalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawals",
		Help: "Number of withdrawal attempts",
	}, []string{"result"})

	metricsBound = false
)

func bindMetrics() {
	if metricsBound {
		return
	}
	metricsBound = true

	// The private go-level metrics live in private.
	_ = PrivateMetrics.Register(prometheus.NewGoCollector())
	_ = PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	draws := []prometheus.Collector{
		RoundsOpened,
		EntriesRegistered,
		DrawsRequested,
		RevealsConsumed,
		UnknownSequenceCallbacks,
		RoundsSettled,
		RoundsCancelled,
		WithdrawalCounter,
	}
	for _, c := range draws {
		_ = DrawMetrics.Register(c)
		_ = PrivateMetrics.Register(c)
	}
}

// Start starts a prometheus metrics server with debug endpoints.
func Start(metricsBind string, pprof http.Handler) net.Listener {
	logger := log.DefaultLogger()
	logger.Debugw("metrics listener starting", "at", metricsBind)
	bindMetrics()

	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("metrics listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: l.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		logger.Warnw("metrics listen finished", "err", s.Serve(l))
	}()
	return l
}

// DrawHandler exposes the draw lifecycle metrics, typically mounted at /metrics.
func DrawHandler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(DrawMetrics, promhttp.HandlerOpts{Registry: DrawMetrics})
}
