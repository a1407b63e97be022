// Package message defines the Message that traverses a Flow and the
// per-message acknowledgement bookkeeping that travels with it.
package message

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Input bundles the parts of a broker-delivered message that the
// Expression Engine addresses via "input." expressions.
type Input struct {
	Payload         any
	Topic           string
	TopicLevels     []string
	UserProperties  map[string]any
}

// AckPair is a (success, failure) callback bound at ingress. Exactly
// one of the two is invoked, exactly once, when the owning Message is
// fully resolved.
type AckPair struct {
	OnSuccess func()
	OnFailure func(err error)
}

// Message is the unit traversing a Flow.
//
// A Message is owned by exactly one worker at a time; handing it to a
// successor stage's queue transfers ownership (see queue.Queue).
// Callers MUST NOT retain a *Message across an enqueue once it has
// been pushed to a successor — do the same the teacher's mqtt
// MessageHandler contract does for its byte payloads: treat a
// dispatched value as gone.
type Message struct {
	ID         string
	IngestTime time.Time

	Input Input

	// UserData is mutable per-message scratch state, scoped to this
	// Message's traversal of one Flow. Producers/consumers address
	// sub-paths with "user_data[.qualifier]:path" expressions.
	UserData map[string]any

	// Previous is the full output value returned by the immediately
	// preceding Stage; overwritten at each stage boundary. nil before
	// the first Stage runs.
	Previous any

	// IterationState is non-nil only while a map/filter/reduce
	// transform is executing against this Message; see expr package.
	IterationState *IterationState

	mu            sync.Mutex
	ackCallbacks  []AckPair
	resolved      bool
}

// IterationState is the transient record exposed inside a map/filter/
// reduce transform step via the "item"/"index"/"source_list" /
// "current_value"/"accumulated_value" expression data types.
type IterationState struct {
	Index          int
	Item           any
	SourceList     []any
	CurrentValue   any
	AccumulatedVal any
}

// New creates a Message for a freshly received ingress payload. cid is
// generated fresh (see spec.md §3: "A Message is owned by exactly one
// Worker at any time").
func New(input Input) *Message {
	return &Message{
		ID:         uuid.NewString(),
		IngestTime: time.Now(),
		Input:      input,
		UserData:   map[string]any{},
	}
}

// AddAckCallback appends an ack pair. Ingress Stages call this exactly
// once per Message, when they obtain it from a broker receive. Callbacks
// grow only here; they shrink only when Resolve fires (spec.md §3
// invariant).
func (m *Message) AddAckCallback(pair AckPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackCallbacks = append(m.ackCallbacks, pair)
}

// ResolveSuccess invokes every on_success callback in reverse-append
// order. A Message MUST trigger exactly one terminal resolution; a
// second call (from either Resolve method) is a no-op, guarding the
// "exactly once" invariant (I1) against a buggy or racing caller.
func (m *Message) ResolveSuccess() {
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return
	}
	m.resolved = true
	callbacks := m.ackCallbacks
	m.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		if callbacks[i].OnSuccess != nil {
			callbacks[i].OnSuccess()
		}
	}
}

// ResolveFailure invokes every on_failure callback in reverse-append
// order with err. See ResolveSuccess for the exactly-once guarantee.
func (m *Message) ResolveFailure(err error) {
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return
	}
	m.resolved = true
	callbacks := m.ackCallbacks
	m.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		if callbacks[i].OnFailure != nil {
			callbacks[i].OnFailure(err)
		}
	}
}

// Resolved reports whether this Message has already received its one
// terminal resolution.
func (m *Message) Resolved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved
}

// ParseTopicLevels splits a broker topic into its hierarchical
// components on "/", the Solace-family separator. An empty topic
// yields a single empty-string level, matching how a single-segment
// topic without slashes still parses to one level.
func ParseTopicLevels(topic string) []string {
	if topic == "" {
		return []string{""}
	}
	return strings.Split(topic, "/")
}

// GetPath reads a dot-separated index-path from an arbitrary structural
// value (map[string]any / []any / scalar), returning (nil, false) when
// any segment is missing — never an error; per spec.md §4.1, reading a
// missing path yields null.
func GetPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	segments := strings.Split(path, ".")
	cur := root
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dot-separated index-path inside root,
// auto-vivifying intermediate maps and extending intermediate sequences
// with null fillers (spec.md §3 invariant, §8 boundary behavior: "a
// sequence index beyond length MUST extend the sequence with null
// fillers"). root must be a non-nil *any so SetPath can replace the
// root itself when the first segment requires a type it doesn't have
// yet (e.g. writing into an empty map at the root).
func SetPath(root *any, path string, value any) {
	if path == "" {
		*root = value
		return
	}
	segments := strings.Split(path, ".")
	*root = setSegment(*root, segments, value)
}

func setSegment(node any, segments []string, value any) any {
	seg := segments[0]
	rest := segments[1:]

	if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
		list, _ := node.([]any)
		list = growList(list, idx+1)
		if len(rest) == 0 {
			list[idx] = value
		} else {
			list[idx] = setSegment(list[idx], rest, value)
		}
		return list
	}

	m, _ := node.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	if len(rest) == 0 {
		m[seg] = value
	} else {
		m[seg] = setSegment(m[seg], rest, value)
	}
	return m
}

// growList extends list with nil fillers until it has length n.
func growList(list []any, n int) []any {
	for len(list) < n {
		list = append(list, nil)
	}
	return list
}

// AppendPath evaluates the sequence at path (auto-creating an empty
// one if absent) and appends value to it.
func AppendPath(root *any, path string, value any) {
	existing, ok := GetPath(*root, path)
	var list []any
	if ok {
		list, _ = existing.([]any)
	}
	list = append(list, value)
	SetPath(root, path, list)
}
