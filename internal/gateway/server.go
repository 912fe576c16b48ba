// Package gateway implements the ingestion endpoint: it authenticates a
// request, validates the body as a log record and republishes the original
// bytes onto the broker topic.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"logship/internal/broker"
	"logship/internal/logrecord"
	"logship/internal/metrics"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const (
	AuthHeader      = "Authorization"
	RequestIDHeader = "X-Request-Id"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrInternal     = errors.New("internal error")
	ErrTooLarge     = errors.New("request body too large")
)

type Config struct {
	// APIToken is the shared secret. An empty token rejects every request.
	APIToken       string
	Topic          string
	MaxBodyBytes   int64
	PublishTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

type Gateway struct {
	cfg       Config
	publisher broker.Publisher
	logger    *slog.Logger
	metrics   *metrics.Pipeline
}

func New(cfg Config, publisher broker.Publisher, logger *slog.Logger, m *metrics.Pipeline) *Gateway {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	return &Gateway{cfg: cfg, publisher: publisher, logger: logger, metrics: m}
}

// Handle runs one ingestion request. Errors wrap ErrUnauthorized,
// ErrBadRequest or ErrInternal.
func (g *Gateway) Handle(ctx context.Context, header http.Header, body []byte) error {
	if err := g.authorize(header); err != nil {
		return err
	}
	return g.publish(ctx, body)
}

func (g *Gateway) authorize(header http.Header) error {
	if g.cfg.APIToken == "" {
		return fmt.Errorf("%w: no api token configured", ErrUnauthorized)
	}
	values := header.Values(AuthHeader)
	if len(values) == 0 {
		return fmt.Errorf("%w: missing %s header", ErrUnauthorized, AuthHeader)
	}
	if subtle.ConstantTimeCompare([]byte(values[0]), []byte(g.cfg.APIToken)) != 1 {
		return fmt.Errorf("%w: wrong %s token", ErrUnauthorized, AuthHeader)
	}
	return nil
}

func (g *Gateway) publish(ctx context.Context, body []byte) error {
	rec, err := logrecord.Decode(body)
	if err != nil {
		g.metrics.DecodeFailures.WithLabelValues("gateway", logrecord.KindOf(err).String()).Inc()
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	pctx, cancel := context.WithTimeout(ctx, g.cfg.PublishTimeout)
	defer cancel()
	if err := g.publisher.Publish(pctx, g.cfg.Topic, rec.RawPayload); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return nil
}

// Handler routes POST /log, GET /healthz and GET /metrics.
func (g *Gateway) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/log", g.serveLog)
	r.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Handler(http.MethodGet, "/metrics", g.metrics.Handler())
	return r
}

func (g *Gateway) serveLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id := uuid.NewString()
	w.Header().Set(RequestIDHeader, id)
	log := g.logger.With("request_id", id, "remote", r.RemoteAddr)

	err := g.authorize(r.Header)
	if err == nil {
		var body []byte
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes))
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			err = fmt.Errorf("%w: limit %d bytes", ErrTooLarge, mbe.Limit)
		case err != nil:
			err = fmt.Errorf("%w: read body: %w", ErrBadRequest, err)
		default:
			err = g.publish(r.Context(), body)
		}
	}

	code := statusFor(err)
	g.metrics.GatewayRequests.WithLabelValues(strconv.Itoa(code)).Inc()
	switch {
	case err == nil:
		log.Debug("record published")
	case code == http.StatusInternalServerError:
		log.Error("publish failed", "error", err)
	default:
		log.Warn("request rejected", "status", code, "error", err)
	}
	if err != nil {
		http.Error(w, http.StatusText(code), code)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Serve runs the gateway on addr until ctx is done, then shuts down
// gracefully.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: g.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	g.logger.Info("gateway listening", "addr", addr, "topic", g.cfg.Topic)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
