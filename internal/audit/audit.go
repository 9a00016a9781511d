// Package audit records an append-only trail of engine events. Events are
// buffered and flushed in batches to every configured sink; sink failures
// are logged and never reach the caller.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/util"
)

type EventType string

const (
	IdentityCreated      EventType = "identity.created"
	IdentityDeactivated  EventType = "identity.deactivated"
	AttestationIssued    EventType = "attestation.issued"
	AttestationRevoked   EventType = "attestation.revoked"
	AttestationAnchored  EventType = "attestation.anchored"
	TierChanged          EventType = "identity.tier_changed"
	VerificationRequest  EventType = "verification.requested"
	ConsentGranted       EventType = "verification.approved"
	ConsentRevoked       EventType = "verification.revoked"
	VerificationRejected EventType = "verification.rejected"
	ConsentExpired       EventType = "verification.expired"
)

type Event struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	OccurredAt     time.Time         `json:"occurredAt"`
	ActorID        string            `json:"actorId,omitempty"`
	IdentityID     string            `json:"identityId,omitempty"`
	AttestationID  string            `json:"attestationId,omitempty"`
	VerificationID string            `json:"verificationId,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(Event)
}

type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

type Pipeline struct {
	sinks  []Sink
	cfg    PipelineConfig
	events chan Event

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPipeline(cfg PipelineConfig, sinks ...Sink) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.BatchSize * 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Pipeline{
		sinks:  sinks,
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Emit stamps id and time when missing. A full buffer drops the event.
func (p *Pipeline) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case p.events <- e:
	default:
		util.Warn("Audit buffer full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("event_id", e.ID))
	}
}

func (p *Pipeline) Start() {
	go p.run()
}

// Stop flushes buffered events and returns once the last batch is written.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.write(batch)
		batch = make([]Event, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case e := <-p.events:
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stop:
			for {
				select {
				case e := <-p.events:
					batch = append(batch, e)
					if len(batch) >= p.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Pipeline) write(batch []Event) {
	for _, sink := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		if err := sink.Write(ctx, batch); err != nil {
			util.Warn("Audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		cancel()
	}
}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, events []Event) error {
	for _, e := range events {
		util.Info("audit",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.Time("occurred_at", e.OccurredAt),
			zap.String("actor_id", e.ActorID),
			zap.String("identity_id", e.IdentityID),
			zap.String("attestation_id", e.AttestationID),
			zap.String("verification_id", e.VerificationID),
			zap.Any("details", e.Details))
	}
	return nil
}
