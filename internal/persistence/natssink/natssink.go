// Package natssink publishes per-tick summaries and the final metrics record of a run to
// NATS subjects so dashboards and other services can follow a run live.
package natssink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"floodmesh.ai/internal/protocol"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/scheduler"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type flusher interface {
	Flush() error
}

type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Connect dials NATS with reconnect settings suitable for a long simulation run.
func Connect(cfg Config) (*nats.Conn, error) {
	if cfg.Name == "" {
		cfg.Name = "floodsim"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Sink publishes TICK messages on <prefix>.<run>.tick and the SUMMARY on
// <prefix>.<run>.summary.
type Sink struct {
	pub    Publisher
	runID  string
	prefix string
}

var (
	_ scheduler.Sink        = (*Sink)(nil)
	_ scheduler.SummarySink = (*Sink)(nil)
)

func New(pub Publisher, prefix, runID string) *Sink {
	if prefix == "" {
		prefix = "floodmesh.runs"
	}
	return &Sink{pub: pub, runID: runID, prefix: prefix}
}

func (s *Sink) TickSubject() string    { return s.prefix + "." + s.runID + ".tick" }
func (s *Sink) SummarySubject() string { return s.prefix + "." + s.runID + ".summary" }

func (s *Sink) WriteTick(rec scheduler.TickRecord) error {
	b, err := json.Marshal(protocol.NewTickMsg(s.runID, rec.Snapshot))
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.TickSubject(), b); err != nil {
		return fmt.Errorf("publish tick %d: %w", rec.Tick, err)
	}
	return nil
}

func (s *Sink) WriteSummary(sum metrics.Summary) error {
	b, err := json.Marshal(protocol.NewSummaryMsg(s.runID, sum))
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.SummarySubject(), b); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	if f, ok := s.pub.(flusher); ok {
		return f.Flush()
	}
	return nil
}
