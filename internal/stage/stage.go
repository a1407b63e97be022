// Package stage implements the Stage + Worker runtime (spec.md §4.2):
// a processing position in a Flow, served by worker_count independent
// Workers pulling from one bounded input queue and forwarding to a
// successor's queue. Grounded on the teacher's internal/delegate
// executor loop for the pull/process/react shape, and on
// other_examples/…jmylchreest-tvarr…pipeline.go for Stage/Worker
// naming.
package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/message"
	"github.com/solaceflow/connector/internal/queue"
)

// DrainPolicy controls what happens to Messages still queued when
// Stop is called (spec.md §5: "configurable, default NACK").
type DrainPolicy string

const (
	DrainPolicyNack DrainPolicy = "nack"
	DrainPolicyDrop DrainPolicy = "drop"
)

// EgressAckPolicy resolves spec.md §9's open question on what happens
// when a successor's queue is unreachable at shutdown (SPEC_FULL.md
// §4.2: a Decision, not left ambiguous). hold leaves the Message
// unresolved (neither acked nor nacked); nack_after_n/drop_after_n
// apply the stated reaction after n consecutive forwarding failures.
type EgressAckPolicy string

const (
	EgressAckHold        EgressAckPolicy = "hold"
	EgressAckNackAfterN  EgressAckPolicy = "nack_after_n"
	EgressAckDropAfterN  EgressAckPolicy = "drop_after_n"
)

// DefaultEgressAckPolicy and DefaultEgressAckN are SPEC_FULL.md §4.2's
// resolved default: nack_after_n with n=3.
const (
	DefaultEgressAckPolicy = EgressAckNackAfterN
	DefaultEgressAckN      = 3
)

// Config is a Stage's construction-time configuration.
type Config struct {
	ID               string
	WorkerCount      int
	QueueCapacity    int
	InputTransforms  []expr.Step
	// InputSelection computes the value passed to Invoke as `data`;
	// defaults to `previous:` (spec.md §4.2) when nil.
	InputSelection   expr.Expression
	DrainPolicy      DrainPolicy
	EgressAckPolicy  EgressAckPolicy
	EgressAckN       int
	RecoveryPolicy   errkinds.PolicyMap
	Registry         *expr.Registry
}

// handledSentinel is the type of Handled.
type handledSentinel struct{}

// Handled is a distinguished Invoke result meaning "I already disposed
// of this Message myself — ack, nack, and/or forwarding already
// happened inside Invoke; do nothing further." The Subscription Router
// (internal/router.AsComponent) returns this: Dispatch enqueues the
// Message to whichever branch Stage matched (or acks it on no-match)
// itself, so the hosting Stage's normal nil-means-filter / value-
// means-forward handling would otherwise race with that.
var Handled any = handledSentinel{}

// Metrics is the plain struct snapshot Stage.Metrics() returns — no
// external sink dependency (spec.md §1 keeps metrics backends out of
// scope; SPEC_FULL.md §4.2 only implements the in-process counters
// needed to answer this call).
type Metrics struct {
	MessagesIn  uint64
	MessagesOut uint64
	QueueDepth  int
	QueueCap    int
	WorkerBusy  int
	Component   map[string]any
}

// Stage is one processing position in a Flow.
type Stage struct {
	cfg       Config
	component component.Component
	successor *Stage
	logger    *slog.Logger
	bus       *events.Bus
	flowName  string
	appName   string

	input *queue.Queue[*message.Message]

	mu             sync.Mutex
	started        bool
	stopping       bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
	messagesIn     uint64
	messagesOut    uint64
	workerBusy     int
	egressFailures int
}

// New constructs a Stage. successor may be nil (tail Stage of a Flow).
func New(cfg Config, comp component.Component, successor *Stage, logger *slog.Logger, bus *events.Bus, flowName, appName string) *Stage {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.DrainPolicy == "" {
		cfg.DrainPolicy = DrainPolicyNack
	}
	if cfg.EgressAckPolicy == "" {
		cfg.EgressAckPolicy = DefaultEgressAckPolicy
	}
	if cfg.EgressAckN <= 0 {
		cfg.EgressAckN = DefaultEgressAckN
	}
	if cfg.InputSelection == nil {
		cfg.InputSelection = expr.ParseExpression("previous:")
	}
	// A component may supply its own error-kind → reaction table
	// (component.NackReactionPolicy); the Stage's own RecoveryPolicy
	// takes precedence for any kind both define.
	if np, ok := comp.(component.NackReactionPolicy); ok {
		merged := errkinds.PolicyMap{}
		for kind, reaction := range np.NackReaction() {
			merged[errkinds.Kind(kind)] = errkinds.Reaction(reaction)
		}
		for kind, reaction := range cfg.RecoveryPolicy {
			merged[kind] = reaction
		}
		cfg.RecoveryPolicy = merged
	}
	return &Stage{
		cfg:       cfg,
		component: comp,
		successor: successor,
		logger:    logger,
		bus:       bus,
		flowName:  flowName,
		appName:   appName,
		input:     queue.New[*message.Message](cfg.QueueCapacity),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue blocks when the input queue is full (spec.md §4.2). ctx's
// Done channel is honored so an upstream producer doesn't leak past
// this Stage's own shutdown.
func (s *Stage) Enqueue(ctx context.Context, msg *message.Message) error {
	done := s.stopCh
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.input.Enqueue(msg, mergeDone(ctx, done))
}

func mergeDone(ctx context.Context, stopCh <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopCh:
		}
		close(out)
	}()
	return out
}

// Start spawns worker_count Workers.
func (s *Stage) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStage,
		Kind:      events.KindStageStarted,
		Data: map[string]any{
			"stage_id":     s.cfg.ID,
			"flow_name":    s.flowName,
			"app_name":     s.appName,
			"worker_count": s.cfg.WorkerCount,
		},
	})
}

// Stop sets the shutdown flag; workers finish their current Message,
// then drain remaining queued Messages per DrainPolicy.
func (s *Stage) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	close(s.stopCh)
	s.input.Close()
	s.wg.Wait()

	if stopper, ok := s.component.(component.Stopper); ok {
		if err := stopper.Stop(); err != nil {
			s.logger.Warn("component stop failed", "stage_id", s.cfg.ID, "error", err)
		}
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStage,
		Kind:      events.KindStageStopped,
		Data: map[string]any{
			"stage_id":  s.cfg.ID,
			"flow_name": s.flowName,
			"app_name":  s.appName,
		},
	})
}

func (s *Stage) runWorker(_ int) {
	defer s.wg.Done()

	for {
		msg, ok := s.input.Dequeue(s.stopCh)
		if !ok {
			return
		}
		s.mu.Lock()
		s.messagesIn++
		s.workerBusy++
		stopping := s.stopping
		s.mu.Unlock()

		if stopping {
			// stop() was already called: this worker finished its
			// in-flight Message before Dequeue unblocked, so anything
			// still queued is drained per DrainPolicy rather than run
			// through invoke() (spec.md §4.2: "drain their queue by
			// NACKing (or configurable drop)").
			s.drain(msg)
		} else {
			s.process(msg)
		}

		s.mu.Lock()
		s.workerBusy--
		s.mu.Unlock()
	}
}

// drain resolves msg per the Stage's DrainPolicy instead of running it
// through invoke(), used only for Messages still queued when Stop was
// called.
func (s *Stage) drain(msg *message.Message) {
	switch s.cfg.DrainPolicy {
	case DrainPolicyDrop:
		msg.ResolveSuccess()
	default: // DrainPolicyNack
		msg.ResolveFailure(errkinds.ErrQueueClosed)
	}
}

// process runs one Message through input_transforms, input_selection,
// and invoke(), then applies Stage output handling (spec.md §4.2).
func (s *Stage) process(msg *message.Message) {
	start := time.Now()
	ctx := expr.NewEvalContext(msg, s.cfg.Registry)

	for _, step := range s.cfg.InputTransforms {
		if err := expr.Apply(ctx, step); err != nil {
			s.react(msg, err)
			return
		}
	}

	data, err := expr.Eval(ctx, s.cfg.InputSelection)
	if err != nil {
		s.react(msg, err)
		return
	}

	result, err := s.component.Invoke(msg, data)
	if err != nil {
		if kind, ok := errkinds.Classify(err); ok && kind == errkinds.KindBroker {
			// A broker-output Stage's egressComponent.Invoke failed to
			// publish: the Open Question EgressAckPolicy resolves
			// (spec.md §9, SPEC_FULL.md §4.2) is specifically about this
			// case, not just a downstream queue closed mid-shutdown.
			s.handleEgressFailure(msg, err)
			return
		}
		s.react(msg, err)
		return
	}

	s.mu.Lock()
	s.messagesOut++
	s.egressFailures = 0
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStage,
		Kind:      events.KindMessageProcessed,
		Data: map[string]any{
			"stage_id":    s.cfg.ID,
			"flow_name":   s.flowName,
			"message_id":  msg.ID,
			"outcome":     outcomeOf(result),
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	if result == Handled {
		return
	}

	if result == nil {
		// Stage output handling (1): null → ack success, no forward.
		msg.ResolveSuccess()
		return
	}

	msg.Previous = result

	if s.successor == nil {
		// Stage output handling (3): no successor → ack success.
		msg.ResolveSuccess()
		return
	}

	// Stage output handling (2): forward, blocking on back-pressure.
	if err := s.successor.Enqueue(context.Background(), msg); err != nil {
		s.handleEgressFailure(msg, err)
	}
}

// handleEgressFailure applies EgressAckPolicy when a Message can't be
// delivered onward — either an egress component's broker Publish
// failed, or forwarding to a successor failed because its queue was
// already closed mid-shutdown. hold always abandons the Message to the
// broker's own redelivery timeout; nack_after_n/drop_after_n count
// consecutive failures and hold (same as EgressAckHold) until
// EgressAckN is reached, then apply their terminal disposition and
// reset the counter.
func (s *Stage) handleEgressFailure(msg *message.Message, err error) {
	s.mu.Lock()
	s.egressFailures++
	count := s.egressFailures
	s.mu.Unlock()

	disposition := "hold"
	if s.cfg.EgressAckPolicy != EgressAckHold && count >= s.cfg.EgressAckN {
		s.mu.Lock()
		s.egressFailures = 0
		s.mu.Unlock()
		if s.cfg.EgressAckPolicy == EgressAckDropAfterN {
			disposition = "drop"
		} else {
			disposition = "nack"
		}
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStage,
		Kind:      events.KindEgressFailure,
		Data: map[string]any{
			"stage_id":             s.cfg.ID,
			"flow_name":            s.flowName,
			"message_id":           msg.ID,
			"policy":               string(s.cfg.EgressAckPolicy),
			"consecutive_failures": count,
			"disposition":          disposition,
		},
	})

	switch disposition {
	case "drop":
		msg.ResolveSuccess()
	case "nack":
		msg.ResolveFailure(err)
	default: // "hold"
		s.logger.Warn("egress hold: message delivery failed", "stage_id", s.cfg.ID, "policy", s.cfg.EgressAckPolicy, "consecutive_failures", count, "error", err)
	}
}

func outcomeOf(result any) string {
	switch {
	case result == Handled:
		return "dispatched"
	case result == nil:
		return "filtered"
	default:
		return "forwarded"
	}
}

// react applies the Stage's recovery policy (spec.md §7) to an error
// surfaced from input_transforms, input_selection, or invoke.
func (s *Stage) react(msg *message.Message, err error) {
	policy := s.cfg.RecoveryPolicy
	reaction := policy.Resolve(err)
	kind, _ := errkinds.Classify(err)

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStage,
		Kind:      events.KindMessageError,
		Data: map[string]any{
			"stage_id":   s.cfg.ID,
			"flow_name":  s.flowName,
			"message_id": msg.ID,
			"error_kind": string(kind),
			"reaction":   string(reaction),
		},
	})

	switch reaction {
	case errkinds.ReactionDrop:
		msg.ResolveSuccess()
	case errkinds.ReactionRouteToErrorFlow:
		// No error Flow is wired in anywhere (the flow package has
		// none), so this reaction nacks exactly like ReactionNack.
		msg.ResolveFailure(err)
	default: // errkinds.ReactionNack
		msg.ResolveFailure(err)
	}
}

// Metrics returns a snapshot of this Stage's counters.
func (s *Stage) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		MessagesIn:  s.messagesIn,
		MessagesOut: s.messagesOut,
		QueueDepth:  s.input.Len(),
		QueueCap:    s.input.Cap(),
		WorkerBusy:  s.workerBusy,
	}
	if src, ok := s.component.(component.MetricsSource); ok {
		m.Component = src.ComponentMetrics()
	}
	return m
}

// ID returns the Stage's configured identifier.
func (s *Stage) ID() string { return s.cfg.ID }
