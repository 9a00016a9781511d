package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/util"
)

// Recorder stores a successful anchor reference. Recording the same
// attestation twice must be a no-op.
type Recorder interface {
	RecordAnchor(ctx context.Context, attestationID, ref string) error
}

type Request struct {
	AttestationID string
	PayloadHash   string
}

type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Dispatcher drains anchor requests on a fixed worker pool. Requests for an
// attestation already queued or in flight are dropped, as are requests
// arriving while the queue is full; the periodic retry sweep picks those up.
type Dispatcher struct {
	sink     Sink
	recorder Recorder
	cfg      DispatcherConfig
	queue    chan Request

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewDispatcher(sink Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Dispatcher{
		sink:     sink,
		cfg:      cfg,
		queue:    make(chan Request, cfg.QueueSize),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the workers. recorder receives every successful anchor.
func (d *Dispatcher) Start(ctx context.Context, recorder Recorder) {
	d.recorder = recorder
	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		d.group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-d.queue:
					d.process(ctx, req)
					d.release(req.AttestationID)
				}
			}
		})
	}

	util.Info("Anchor dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
		zap.Duration("timeout", d.cfg.Timeout))
}

// Stop cancels in-flight submissions and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	_ = d.group.Wait()
	util.Info("Anchor dispatcher stopped", zap.Int("pending", len(d.queue)))
}

// Enqueue never blocks. It reports whether the request was accepted.
func (d *Dispatcher) Enqueue(req Request) bool {
	d.mu.Lock()
	if _, busy := d.inflight[req.AttestationID]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[req.AttestationID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- req:
		return true
	default:
		d.release(req.AttestationID)
		util.Warn("Anchor queue full, deferring to retry sweep",
			zap.String("attestation_id", req.AttestationID))
		return false
	}
}

func (d *Dispatcher) release(attestationID string) {
	d.mu.Lock()
	delete(d.inflight, attestationID)
	d.mu.Unlock()
}

func (d *Dispatcher) process(ctx context.Context, req Request) {
	var ref string
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryDelay), uint64(d.cfg.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()

			var err error
			ref, err = d.sink.Anchor(attemptCtx, req.AttestationID, req.PayloadHash)
			if err == ErrDisabled {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, wait time.Duration) {
			util.Debug("Anchor attempt failed, retrying",
				zap.String("attestation_id", req.AttestationID),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	)
	if err != nil {
		if err != ErrDisabled {
			util.Warn("Anchor submission failed",
				zap.String("attestation_id", req.AttestationID),
				zap.Error(err))
		}
		return
	}

	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordAnchor(ctx, req.AttestationID, ref); err != nil {
		util.Warn("Failed to record anchor reference",
			zap.String("attestation_id", req.AttestationID),
			zap.String("ref", ref),
			zap.Error(err))
	}
}
