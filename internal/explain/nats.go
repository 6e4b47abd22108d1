package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"healthsignals/internal/metrics"
)

// Config configures the NATS publisher.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxPerRun     int           `mapstructure:"max_per_run"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// NATSPublisher publishes requests to <prefix>.<kind>, throttled so a large
// run cannot flood the explanation service.
type NATSPublisher struct {
	conn    *nats.Conn
	prefix  string
	limiter *rate.Limiter
	flush   time.Duration
	logger  zerolog.Logger
}

// NewNATSPublisher connects to cfg.URL.
func NewNATSPublisher(cfg Config, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("healthsignals"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSPublisherWithConn(conn, cfg, logger), nil
}

func newNATSPublisherWithConn(conn *nats.Conn, cfg Config, logger zerolog.Logger) *NATSPublisher {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "healthsignals.explain"
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = 2 * time.Second
	}
	return &NATSPublisher{
		conn:    conn,
		prefix:  prefix,
		limiter: rate.NewLimiter(limit, burst),
		flush:   flush,
		logger:  logger.With().Str("component", "explain").Logger(),
	}
}

// Publish waits for a rate token and sends req.
func (p *NATSPublisher) Publish(ctx context.Context, req Request) error {
	if err := p.limiter.Wait(ctx); err != nil {
		metrics.ExplanationsPublished.WithLabelValues("throttled").Inc()
		return fmt.Errorf("explanation rate limit: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		metrics.ExplanationsPublished.WithLabelValues("failed").Inc()
		return fmt.Errorf("encode explanation request: %w", err)
	}
	subject := p.prefix + "." + string(req.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		metrics.ExplanationsPublished.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	metrics.ExplanationsPublished.WithLabelValues("published").Inc()
	p.logger.Debug().Str("subject", subject).Str("request_id", req.ID).Msg("explanation requested")
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.FlushTimeout(p.flush)
	p.conn.Close()
	return err
}

var _ Publisher = (*NATSPublisher)(nil)
