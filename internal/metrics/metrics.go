// Package metrics holds the prometheus collectors shared by the collector,
// gateway and committer processes. Each Pipeline owns a private registry so
// several pipelines can coexist in one test binary.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logship"

type Pipeline struct {
	Registry *prometheus.Registry

	// collector
	QueueDepth       prometheus.Gauge
	ActiveStreams    prometheus.Gauge
	StreamsStarted   prometheus.Counter
	StreamFailures   prometheus.Counter
	DecodeFailures   *prometheus.CounterVec
	RecordsCollected prometheus.Counter
	OversizeLines    prometheus.Counter

	// forwarder
	Forwarded       prometheus.Counter
	ForwardFailures *prometheus.CounterVec
	Checkpoint      prometheus.Gauge

	// gateway
	GatewayRequests *prometheus.CounterVec

	// committer
	Written       prometheus.Counter
	Skipped       prometheus.Counter
	WriteFailures prometheus.Counter
	Committed     prometheus.Counter
}

func New() *Pipeline {
	p := &Pipeline{
		Registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "collector", Name: "queue_depth",
			Help: "Records waiting in the delivery queue.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "collector", Name: "active_streams",
			Help: "Container log streams currently being read.",
		}),
		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "streams_started_total",
			Help: "Container log streams opened.",
		}),
		StreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "stream_failures_total",
			Help: "Container log streams that ended with a read error.",
		}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_failures_total",
			Help: "Payloads rejected by the log record codec.",
		}, []string{"stage", "kind"}),
		RecordsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "records_total",
			Help: "Records pushed onto the delivery queue.",
		}),
		OversizeLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "oversize_lines_total",
			Help: "Container log lines dropped for exceeding the line limit.",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "forwarded_total",
			Help: "Records accepted by the gateway.",
		}),
		ForwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "failures_total",
			Help: "Records dropped after a failed forward.",
		}, []string{"kind"}),
		Checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "checkpoint_millis",
			Help: "Last persisted checkpoint timestamp.",
		}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "requests_total",
			Help: "Ingestion requests by response code.",
		}, []string{"code"}),
		Written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "committer", Name: "written_total",
			Help: "Records appended to the storage sink.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "committer", Name: "skipped_total",
			Help: "Undecodable messages committed without a write.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "committer", Name: "write_failures_total",
			Help: "Sink writes that failed and left the offset uncommitted.",
		}),
		Committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "committer", Name: "committed_total",
			Help: "Broker offsets committed.",
		}),
	}
	p.Registry.MustRegister(
		p.QueueDepth, p.ActiveStreams, p.StreamsStarted, p.StreamFailures, p.DecodeFailures, p.RecordsCollected, p.OversizeLines,
		p.Forwarded, p.ForwardFailures, p.Checkpoint,
		p.GatewayRequests,
		p.Written, p.Skipped, p.WriteFailures, p.Committed,
	)
	return p
}

func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (p *Pipeline) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
