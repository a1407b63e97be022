// Package reqreply implements the Request/Response Controller
// (spec.md §4.4): correlation-id based request/reply over a
// broker.Broker, supporting single-reply and streaming delivery,
// timeouts, and cancellation, without blocking other Flows.
//
// The pending-correlation bookkeeping is grounded on the teacher's
// homeassistant.WSClient (internal/homeassistant/websocket.go): a
// mutex-guarded map from correlation id to a response channel, with a
// background goroutine that demultiplexes inbound traffic onto the
// right waiter and a timer per outstanding call. Here the correlation
// id is a UUID carried in broker message properties instead of a
// WebSocket message's integer id, and delivery is N-shot (streaming)
// rather than always single-shot.
package reqreply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solaceflow/connector/internal/broker"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/message"
)

// Header names user_properties carries the reply topic and
// correlation id under, per spec.md §4.4. Overridable via Config.
const (
	DefaultReplyTopicProperty = "__reply_topic__"
	DefaultCidProperty        = "__request_cid__"
	DefaultTimeout            = 60 * time.Second
	defaultStreamBuffer       = 64
)

// Request is a broker-neutral outbound request payload.
type Request struct {
	Topic          string
	Payload        []byte
	UserProperties map[string]string
}

// Reply is one inbound delivery handed to a waiter's channel. Err is
// set (and Last is true) when the call terminates abnormally
// (timeout, cancellation, or session closure) instead of by a normal
// broker reply.
type Reply struct {
	Envelope broker.Envelope
	Last     bool
	Err      error
}

// Options configures one do_request_response call.
type Options struct {
	// Stream, when true, keeps the waiter open across multiple
	// replies until CompletionExpr evaluates truthy against a reply.
	Stream bool
	// CompletionExpr is evaluated against each reply Message when
	// Stream is true; required for Stream calls to ever terminate
	// normally (otherwise only Timeout/Cancel end the stream).
	CompletionExpr expr.Expression
	// Wait does not change when DoRequestResponse returns: it always
	// returns right after publishing, and DoRequestResponse itself never
	// blocks for a reply. A caller waits by reading the returned
	// channel. The waiter is registered either way, so a later reply is
	// delivered rather than discarded.
	Wait bool
	// Timeout overrides DefaultTimeout; zero means use the default.
	Timeout time.Duration
}

// Config names the reply-topic/queue prefixes and property keys a
// Controller uses. Registry is required to evaluate CompletionExpr.
type Config struct {
	ReplyTopicPrefix   string
	ReplyQueuePrefix   string
	ReplyTopicProperty string
	CidProperty        string
	Registry           *expr.Registry
}

func (c Config) withDefaults() Config {
	if c.ReplyTopicPrefix == "" {
		c.ReplyTopicPrefix = "reqreply/reply"
	}
	if c.ReplyQueuePrefix == "" {
		c.ReplyQueuePrefix = "reqreply-reply"
	}
	if c.ReplyTopicProperty == "" {
		c.ReplyTopicProperty = DefaultReplyTopicProperty
	}
	if c.CidProperty == "" {
		c.CidProperty = DefaultCidProperty
	}
	return c
}

// AuditEntry records one resolved correlation id, mirroring the
// teacher's router.Decision audit log.
type AuditEntry struct {
	Timestamp time.Time
	Cid       string
	Outcome   string // "reply", "timeout", "cancelled", "session_closed"
	Latency   time.Duration
}

type waiter struct {
	mu         sync.Mutex
	ch         chan Reply
	stream     bool
	completion expr.Expression
	timer      *time.Timer
	started    time.Time
	closed     bool
}

// Controller owns one reply topic, one reply queue, and one
// correlation space (spec.md §4.4).
type Controller struct {
	id       string
	cfg      Config
	br       broker.Broker
	bus      *events.Bus
	logger   *slog.Logger
	flowName string

	replyTopic string
	queueName  string

	mu       sync.Mutex
	waiters  map[string]*waiter
	closed   bool
	auditLog []AuditEntry
	auditCap int
}

// New creates a Controller: provisions its reply queue bound to its
// reply topic, and starts the listener goroutine that demultiplexes
// inbound replies onto waiters.
func New(ctx context.Context, br broker.Broker, bus *events.Bus, logger *slog.Logger, flowName string, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	c := &Controller{
		id:         id,
		cfg:        cfg,
		br:         br,
		bus:        bus,
		logger:     logger,
		flowName:   flowName,
		replyTopic: fmt.Sprintf("%s/%s", cfg.ReplyTopicPrefix, id),
		queueName:  fmt.Sprintf("%s-%s", cfg.ReplyQueuePrefix, id),
		waiters:    make(map[string]*waiter),
		auditCap:   1000,
	}

	if err := br.CreateQueue(ctx, broker.QueueConfig{Name: c.queueName, Subscriptions: []string{c.replyTopic}}); err != nil {
		return nil, fmt.Errorf("%w: create reply queue: %v", errkinds.ErrBroker, err)
	}
	ch, err := br.Receive(ctx, c.queueName)
	if err != nil {
		return nil, fmt.Errorf("%w: receive on reply queue: %v", errkinds.ErrBroker, err)
	}
	go c.listen(ch)
	return c, nil
}

// ReplyTopic reports the topic a requester must ask responders to
// reply to (spec.md §4.4: attached to request.user_properties).
func (c *Controller) ReplyTopic() string { return c.replyTopic }

func (c *Controller) listen(ch <-chan broker.DeliveredMessage) {
	for dm := range ch {
		c.handleReply(dm)
	}
}

func (c *Controller) handleReply(dm broker.DeliveredMessage) {
	cid := dm.Envelope.UserProperties[c.cfg.CidProperty]

	c.mu.Lock()
	w, ok := c.waiters[cid]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("discarding reply for unknown correlation id", "cid", cid, "flow_name", c.flowName)
		if dm.Ack != nil {
			dm.Ack()
		}
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		if dm.Ack != nil {
			dm.Ack()
		}
		return
	}

	last := true
	if w.stream && w.completion != nil {
		last = c.evaluateCompletion(w.completion, dm.Envelope)
	}

	select {
	case w.ch <- Reply{Envelope: dm.Envelope, Last: last}:
	default:
		c.logger.Warn("reply channel full, dropping delivery", "cid", cid)
	}

	if last {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	if last {
		if w.timer != nil {
			w.timer.Stop()
		}
		c.resolveWaiter(cid, "reply", time.Since(w.started))
	}
	if dm.Ack != nil {
		dm.Ack()
	}
}

func (c *Controller) evaluateCompletion(e expr.Expression, env broker.Envelope) bool {
	msg := envelopeToMessage(env)
	evalCtx := expr.NewEvalContext(msg, c.cfg.Registry)
	v, err := expr.Eval(evalCtx, e)
	if err != nil {
		c.logger.Warn("completion_expression evaluation failed, treating stream as not terminated", "error", err)
		return false
	}
	return expr.Truthy(v)
}

func envelopeToMessage(env broker.Envelope) *message.Message {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			payload = string(env.Payload)
		}
	}
	props := make(map[string]any, len(env.UserProperties))
	for k, v := range env.UserProperties {
		props[k] = v
	}
	return message.New(message.Input{
		Payload:        payload,
		Topic:          env.Topic,
		TopicLevels:    message.ParseTopicLevels(env.Topic),
		UserProperties: props,
	})
}

// DoRequestResponse implements spec.md §4.4's do_request_response.
// The returned channel receives one Reply (non-stream) or many
// (stream, terminated by Last==true) and is always eventually closed,
// whether opts.Wait is true or false.
func (c *Controller) DoRequestResponse(ctx context.Context, req Request, opts Options) (<-chan Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errkinds.ErrSessionClosed
	}
	c.mu.Unlock()

	cid := uuid.NewString()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	bufSize := 1
	if opts.Stream {
		bufSize = defaultStreamBuffer
	}

	w := &waiter{ch: make(chan Reply, bufSize), stream: opts.Stream, completion: opts.CompletionExpr, started: time.Now()}
	w.timer = time.AfterFunc(timeout, func() { c.timeoutWaiter(cid) })

	c.mu.Lock()
	c.waiters[cid] = w
	c.mu.Unlock()

	props := make(map[string]string, len(req.UserProperties)+2)
	for k, v := range req.UserProperties {
		props[k] = v
	}
	props[c.cfg.ReplyTopicProperty] = c.replyTopic
	props[c.cfg.CidProperty] = cid

	env := broker.Envelope{ID: cid, Topic: req.Topic, Payload: req.Payload, UserProperties: props, Timestamp: time.Now()}
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceReqReply, Kind: events.KindRequestSent, Data: map[string]any{"cid": cid, "topic": req.Topic, "flow_name": c.flowName}})

	if err := c.br.Publish(ctx, req.Topic, env); err != nil {
		w.timer.Stop()
		c.removeWaiter(cid)
		return nil, fmt.Errorf("%w: %v", errkinds.ErrBroker, err)
	}

	if !opts.Wait {
		return w.ch, nil
	}
	return w.ch, nil
}

func (c *Controller) timeoutWaiter(cid string) {
	c.mu.Lock()
	w, ok := c.waiters[cid]
	delete(c.waiters, cid)
	c.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	if !w.closed {
		w.closed = true
		select {
		case w.ch <- Reply{Err: errkinds.ErrTimeout, Last: true}:
		default:
		}
		close(w.ch)
	}
	w.mu.Unlock()

	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceReqReply, Kind: events.KindRequestTimeout, Data: map[string]any{"cid": cid, "flow_name": c.flowName}})
	c.recordAudit(AuditEntry{Timestamp: time.Now(), Cid: cid, Outcome: "timeout", Latency: time.Since(w.started)})
}

// Cancel removes cid's waiter; any reply that arrives afterward is
// discarded as unknown (spec.md §4.4: "Cancellation ... any further
// late replies for that cid are discarded").
func (c *Controller) Cancel(cid string) {
	c.mu.Lock()
	w, ok := c.waiters[cid]
	delete(c.waiters, cid)
	c.mu.Unlock()
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	c.recordAudit(AuditEntry{Timestamp: time.Now(), Cid: cid, Outcome: "cancelled", Latency: time.Since(w.started)})
}

func (c *Controller) resolveWaiter(cid, outcome string, latency time.Duration) {
	c.removeWaiter(cid)
	c.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceReqReply, Kind: events.KindRequestCompleted, Data: map[string]any{"cid": cid, "flow_name": c.flowName}})
	c.recordAudit(AuditEntry{Timestamp: time.Now(), Cid: cid, Outcome: outcome, Latency: latency})
}

func (c *Controller) removeWaiter(cid string) {
	c.mu.Lock()
	delete(c.waiters, cid)
	c.mu.Unlock()
}

func (c *Controller) recordAudit(e AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.auditLog) >= c.auditCap {
		c.auditLog = c.auditLog[1:]
	}
	c.auditLog = append(c.auditLog, e)
}

// AuditLog returns the most recent resolved correlations, newest last.
func (c *Controller) AuditLog(limit int) []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.auditLog) {
		limit = len(c.auditLog)
	}
	start := len(c.auditLog) - limit
	out := make([]AuditEntry, limit)
	copy(out, c.auditLog[start:])
	return out
}

// Close tears down the Controller: every outstanding waiter is
// resolved with SessionClosed (spec.md §4.4 destroy_session
// behavior). The reply-queue listener keeps running until the broker
// closes the Receive channel; replies it reads after Close find no
// waiter and are discarded. The underlying
// broker.Broker has no per-queue delete operation, so the reply queue
// itself is abandoned rather than deleted — see DESIGN.md.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = make(map[string]*waiter)
	c.mu.Unlock()

	for cid, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Lock()
		if !w.closed {
			w.closed = true
			select {
			case w.ch <- Reply{Err: errkinds.ErrSessionClosed, Last: true}:
			default:
			}
			close(w.ch)
		}
		w.mu.Unlock()
		c.recordAudit(AuditEntry{Timestamp: time.Now(), Cid: cid, Outcome: "session_closed"})
	}
}
