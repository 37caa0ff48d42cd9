// Package scheduler implements the Scheduler service (spec.md §4.7):
// a single-tenant owner of the Redis-backed deadline sorted set, running
// two cooperative loops — ingest (claim a Job off the scheduler channel,
// forward it straight to execute if it's already ready, otherwise park it
// in the sorted set) and promote (periodically pop every ready member and
// publish it to execute). Modeled on arkeep's Scheduler component in the
// same way internal/processsvc models arkeep's HTTP service: one Service
// type wrapping the shared bus, started by a cobra command's RunE.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/job"
	"github.com/dfm-io/dfm/internal/metrics"
)

// Service runs the ingest and promote loops against a shared Bus.
type Service struct {
	bus        *bus.Bus
	log        *zap.Logger
	metrics    *metrics.Registry
	consumerID string

	// PromoteTick is how often the promote loop checks the sorted set for
	// ready members. Spec.md §4.7 only requires "periodically (small fixed
	// tick)" — exported so tests can shrink it instead of sleeping through
	// a realistic production interval.
	PromoteTick time.Duration
	// ConsumeBlock bounds how long one ingest Consume call waits for a
	// message before looping back to check ctx — keeps shutdown responsive
	// without busy-polling Redis.
	ConsumeBlock time.Duration
}

// New constructs a Service and ensures the scheduler channel's consumer
// group exists before Run is called.
func New(ctx context.Context, b *bus.Bus, log *zap.Logger, m *metrics.Registry, consumerID string) (*Service, error) {
	if err := b.EnsureGroup(ctx, "ANY", "SCHEDULER", "req"); err != nil {
		return nil, err
	}
	if err := b.EnsureGroup(ctx, "ANY", "EXECUTE", "req"); err != nil {
		return nil, err
	}
	return &Service{
		bus:          b,
		log:          log.Named("scheduler"),
		metrics:      m,
		consumerID:   consumerID,
		PromoteTick:  500 * time.Millisecond,
		ConsumeBlock: 2 * time.Second,
	}, nil
}

// Run drives the ingest and promote loops concurrently until ctx is
// cancelled. Both loops log and continue on transient errors (spec.md §4.8's
// "exceptions inside the dispatch loop MUST NOT crash the worker" applies
// equally here — a single malformed message must not take the scheduler
// down).
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.ingestLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.promoteLoop(ctx)
	}()
	wg.Wait()
}

// ingestLoop implements spec.md §4.7's "Ingest": blocks on the scheduler
// channel; forwards an already-ready Job straight to execute, otherwise
// inserts it into the sorted set scored by its deadline. A Job is
// acknowledged only after the insert (or forward) succeeds, so a crash
// between claim and insert leaves the message in the group's pending list
// rather than losing it. This loop reads only new messages; it does not
// reclaim or redeliver pending ones.
func (s *Service) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := s.bus.Consume(ctx, "ANY", "SCHEDULER", "req", s.consumerID, s.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("ingest: consume failed", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			if err := s.handleIngest(ctx, msg.Payload); err != nil {
				s.log.Error("ingest: handle message failed", zap.Error(err))
				continue
			}
			if err := s.bus.Ack(ctx, "ANY", "SCHEDULER", "req", msg.ID); err != nil {
				s.log.Error("ingest: ack failed", zap.Error(err), zap.String("msg_id", msg.ID))
			}
		}
	}
}

func (s *Service) handleIngest(ctx context.Context, payload []byte) error {
	var j job.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return err
	}

	if j.Ready(time.Now()) {
		s.metrics.JobsIngested.WithLabelValues("forwarded_immediate").Inc()
		return s.bus.Publish(ctx, "ANY", "EXECUTE", "req", j)
	}

	s.metrics.JobsIngested.WithLabelValues("parked").Inc()
	s.metrics.QueueDepth.WithLabelValues("sched-queue").Inc()
	return s.bus.ScheduleMember(ctx, *j.Deadline, string(payload))
}

// promoteLoop implements spec.md §4.7's "Promote": on each tick, atomically
// pops every sorted-set member scored at or before now and republishes it
// on the execute channel. A Job passes through the sorted set at most once
// — PopReady removes what it returns, so nothing is ever re-queued here.
func (s *Service) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(s.PromoteTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteOnce(ctx)
		}
	}
}

func (s *Service) promoteOnce(ctx context.Context) {
	members, err := s.bus.PopReady(ctx, time.Now())
	if err != nil {
		s.log.Error("promote: pop ready failed", zap.Error(err))
		return
	}
	for _, member := range members {
		var j job.Job
		if err := json.Unmarshal([]byte(member), &j); err != nil {
			s.log.Error("promote: decode member failed", zap.Error(err))
			continue
		}
		if err := s.bus.Publish(ctx, "ANY", "EXECUTE", "req", j); err != nil {
			s.log.Error("promote: publish failed", zap.Error(err), zap.String("request_id", j.RequestID))
			continue
		}
		s.metrics.JobsPromoted.Inc()
		s.metrics.QueueDepth.WithLabelValues("sched-queue").Dec()
	}
}
