// Package engine implements the execution engine from spec.md §4.6:
// operation dispatch, $select peeling, the validation hook, and the
// one-shot/streaming/subscribe result-stream semantics built on top of
// the field resolver graph.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/resolver"
	"github.com/sylphxai/lens/internal/value"
)

// OperationKind distinguishes the three result-stream shapes spec.md
// §4.6 describes. Subscribe-phase and plain one-shot queries share the
// same mechanics (single initial snapshot, then emit-driven ops until
// unsubscribe) so both are represented by KindQuery.
type OperationKind int

const (
	KindQuery OperationKind = iota
	KindMutation
	KindStreaming
)

// ValidateFunc is the opaque validation hook from spec.md §1 ("Out of
// scope... treated as an opaque validate(input) → ok | error hook").
type ValidateFunc func(input value.Value) (value.Value, error)

// RunFunc executes a query/mutation/subscribe-phase handler and returns
// the raw (pre-selection, pre-entity-resolution) root value. clientID
// identifies the caller, for handlers that subscribe it to graph state
// manager entities directly (registering the Unsubscribe via
// onCleanup); most mutation handlers ignore it. emit and onCleanup are
// only meaningful for handlers that register live fields or their own
// ongoing publishers directly.
type RunFunc func(ctx context.Context, clientID string, input value.Value, emit resolver.EmitFunc, onCleanup resolver.CleanupRegistrar) (value.Value, error)

// StreamItem is one value yielded by a StreamFunc.
type StreamItem struct {
	Value value.Value
	Err   error
}

// StreamFunc executes a streaming (async-iterable) handler, returning a
// channel the engine drains until it closes.
type StreamFunc func(ctx context.Context, input value.Value) (<-chan StreamItem, error)

// Handler is one registered operation.
type Handler struct {
	Path     string
	Kind     OperationKind
	Validate ValidateFunc
	Run      RunFunc    // required for KindQuery/KindMutation
	Stream   StreamFunc // required for KindStreaming
}

// MessageKind tags a Message the way spec.md §6 tags subscription
// stream entries.
type MessageKind string

const (
	MsgSnapshot MessageKind = "snapshot"
	MsgOps      MessageKind = "ops"
	MsgError    MessageKind = "error"
)

// Message is one entry of an operation's result stream.
type Message struct {
	Kind    MessageKind
	Data    value.Value
	Update  *emitcmd.Command
	Version int64
	Err     error
}

// Engine dispatches operations registered by path to their handler and
// drives the field resolver graph over each handler's raw result.
type Engine struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
	registry *resolver.Registry
	logger   *zap.Logger
}

func New(registry *resolver.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{handlers: make(map[string]*Handler), registry: registry, logger: logger}
}

func (e *Engine) Register(h *Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[h.Path] = h
}

func (e *Engine) lookup(path string) (*Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[path]
	return h, ok
}

// OperationPaths lists every registered operation path, for the
// handshake response's `operations` field.
func (e *Engine) OperationPaths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for path := range e.handlers {
		out = append(out, path)
	}
	return out
}

// Operation is a running execution: Messages streams results until the
// handler completes or Cancel is called.
type Operation struct {
	Messages <-chan Message
	cancel   context.CancelFunc
	done     chan struct{}
}

// Cancel stops further emission, runs every registered cleanup hook in
// reverse order, and removes active subscriptions (the caller is
// responsible for the graph-state-manager side of that removal; Cancel
// only tears down this operation's own resources). Idempotent.
func (op *Operation) Cancel() {
	op.cancel()
	<-op.done
}

// Execute dispatches one operation by path. rawInput is the undecoded
// operation input (as sent over the wire); $select is peeled from it
// before validation runs on the remainder. clientID identifies the
// calling connection, passed through to the handler's RunFunc.
func (e *Engine) Execute(ctx context.Context, clientID, path string, rawInput value.Value) (*Operation, error) {
	h, ok := e.lookup(path)
	if !ok {
		return nil, fmt.Errorf("engine: no operation registered at path %q", path)
	}

	input, sel := peelSelect(rawInput)
	if h.Validate != nil {
		validated, err := h.Validate(input)
		if err != nil {
			return e.errorOperation(err), nil
		}
		input = validated
	}

	opCtx, cancel := context.WithCancel(ctx)
	messages := make(chan Message, 8)
	done := make(chan struct{})
	op := &Operation{Messages: messages, cancel: cancel, done: done}

	cleanup := newCleanupStack()
	onCleanup := func(fn resolver.CleanupFunc) { cleanup.push(fn) }

	go func() {
		defer close(done)
		defer close(messages)
		defer cleanup.runAll(e.logger)
		defer func() {
			if p := recover(); p != nil {
				e.logger.Warn("engine: operation handler panicked", zap.String("path", path), zap.Any("recovered", p))
				messages <- Message{Kind: MsgError, Err: fmt.Errorf("internal error: %v", p)}
			}
		}()

		switch h.Kind {
		case KindMutation:
			e.runOnce(opCtx, h, clientID, input, sel, messages, onCleanup)
		case KindStreaming:
			e.runStreaming(opCtx, h, input, sel, messages, onCleanup)
		default:
			e.runQuery(opCtx, h, clientID, input, sel, messages, onCleanup)
		}
	}()

	return op, nil
}

func (e *Engine) errorOperation(err error) *Operation {
	messages := make(chan Message, 1)
	messages <- Message{Kind: MsgError, Err: err}
	close(messages)
	done := make(chan struct{})
	close(done)
	return &Operation{Messages: messages, cancel: func() {}, done: done}
}

// runOnce executes a mutation: one Run call, one snapshot, then done.
// No ops stream follows (spec.md §4.6 "Mutations: deliver one snapshot
// and complete").
func (e *Engine) runOnce(ctx context.Context, h *Handler, clientID string, input value.Value, sel *resolver.Selection, messages chan<- Message, onCleanup resolver.CleanupRegistrar) {
	root, err := h.Run(ctx, clientID, input, nil, onCleanup)
	if err != nil {
		messages <- Message{Kind: MsgError, Err: err}
		return
	}
	resolved, err := resolver.Resolve(ctx, e.registry, root, sel, nil, onCleanup)
	if err != nil {
		messages <- Message{Kind: MsgError, Err: err}
		return
	}
	messages <- Message{Kind: MsgSnapshot, Data: resolved}
}

// runQuery executes a one-shot query or a subscribe-phase operation:
// one Run call for the initial snapshot, then the operation stays open,
// relaying any EmitCommand the resolved live fields produce as `ops`
// messages, until the context is cancelled.
func (e *Engine) runQuery(ctx context.Context, h *Handler, clientID string, input value.Value, sel *resolver.Selection, messages chan<- Message, onCleanup resolver.CleanupRegistrar) {
	emit := func(cmd emitcmd.Command) {
		select {
		case messages <- Message{Kind: MsgOps, Update: &cmd}:
		case <-ctx.Done():
		}
	}

	root, err := h.Run(ctx, clientID, input, emit, onCleanup)
	if err != nil {
		messages <- Message{Kind: MsgError, Err: err}
		return
	}
	resolved, err := resolver.Resolve(ctx, e.registry, root, sel, emit, onCleanup)
	if err != nil {
		messages <- Message{Kind: MsgError, Err: err}
		return
	}
	messages <- Message{Kind: MsgSnapshot, Data: resolved}

	<-ctx.Done()
}

// runStreaming executes an async-iterable resolver: one snapshot per
// yielded root value, completing when the source closes.
func (e *Engine) runStreaming(ctx context.Context, h *Handler, input value.Value, sel *resolver.Selection, messages chan<- Message, onCleanup resolver.CleanupRegistrar) {
	items, err := h.Stream(ctx, input)
	if err != nil {
		messages <- Message{Kind: MsgError, Err: err}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			if item.Err != nil {
				messages <- Message{Kind: MsgError, Err: item.Err}
				continue
			}
			resolved, err := resolver.Resolve(ctx, e.registry, item.Value, sel, nil, onCleanup)
			if err != nil {
				messages <- Message{Kind: MsgError, Err: err}
				continue
			}
			messages <- Message{Kind: MsgSnapshot, Data: resolved}
		}
	}
}
