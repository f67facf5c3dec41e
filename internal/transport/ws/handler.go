package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/engine"
	"github.com/sylphxai/lens/internal/reconnect"
	"github.com/sylphxai/lens/internal/resolver"
	"github.com/sylphxai/lens/internal/value"
	"github.com/sylphxai/lens/internal/wire"
)

const protocolVersion int64 = 1

// dispatcher decodes ClientMessage envelopes and routes them to the
// engine, resolver registry, or reconnect resolver, writing whatever
// ServerMessage(s) result back onto the owning Connection.
type dispatcher struct {
	engine    *engine.Engine
	resolvers *resolver.Registry
	reconnect *reconnect.Resolver
	logger    *zap.Logger
}

func newDispatcher(eng *engine.Engine, resolvers *resolver.Registry, rc *reconnect.Resolver, logger *zap.Logger) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{engine: eng, resolvers: resolvers, reconnect: rc, logger: logger}
}

// handle decodes one client message and acts on it. ctx is the
// connection's lifetime context: operations started here are cancelled
// when the connection disconnects.
func (d *dispatcher) handle(ctx context.Context, conn *Connection, raw []byte) {
	var msg wire.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = conn.sendServerMessage(wire.ServerMessage{
			Type:  wire.ServerError,
			Error: &wire.Error{Message: fmt.Sprintf("malformed message: %v", err)},
		})
		return
	}

	switch msg.Type {
	case wire.ClientHandshake:
		d.handleHandshake(conn)
	case wire.ClientOperation, wire.ClientSubscription:
		d.handleOperation(ctx, conn, msg)
	case wire.ClientUnsubscribe:
		conn.cancelOperation(msg.ID)
	case wire.ClientReconnect:
		d.handleReconnect(conn, msg)
	default:
		_ = conn.sendServerMessage(wire.ServerMessage{
			Type:  wire.ServerError,
			ID:    msg.ID,
			Error: &wire.Error{Message: fmt.Sprintf("unknown message type %q", msg.Type)},
		})
	}
}

func (d *dispatcher) handleHandshake(conn *Connection) {
	data := map[string]any{
		"version":    protocolVersion,
		"operations": d.engine.OperationPaths(),
		"entities":   d.resolvers.EntityNames(),
	}
	_ = conn.sendServerMessage(wire.ServerMessage{Type: wire.ServerHandshake, Data: data})
}

func (d *dispatcher) handleOperation(ctx context.Context, conn *Connection, msg wire.ClientMessage) {
	input := value.ObjectVal(value.NewObject())
	if len(msg.Input) > 0 {
		decoded, err := value.FromJSON(msg.Input)
		if err != nil {
			_ = conn.sendServerMessage(wire.ServerMessage{
				Type:  wire.ServerResponse,
				ID:    msg.ID,
				Error: &wire.Error{Message: fmt.Sprintf("malformed input: %v", err)},
			})
			return
		}
		input = decoded
	}

	op, err := d.engine.Execute(ctx, conn.ClientID, msg.Path, input)
	if err != nil {
		_ = conn.sendServerMessage(wire.ServerMessage{
			Type:  wire.ServerResponse,
			ID:    msg.ID,
			Error: &wire.Error{Message: err.Error()},
		})
		return
	}
	conn.trackOperation(msg.ID, op)

	go d.relay(conn, msg.ID, op)
}

// relay drains an operation's message stream, translating each entry to
// the server envelope spec.md §6 describes: the first message is always
// a `response`, anything after is a `subscription` entry.
func (d *dispatcher) relay(conn *Connection, id string, op *engine.Operation) {
	defer conn.forgetOperation(id)

	first := true
	for msg := range op.Messages {
		sm := wire.ServerMessage{ID: id}
		if first {
			sm.Type = wire.ServerResponse
		} else {
			sm.Type = wire.ServerSubscription
		}

		switch msg.Kind {
		case engine.MsgError:
			sm.Error = &wire.Error{Message: msg.Err.Error()}
		case engine.MsgSnapshot:
			sm.Data = value.ToAny(msg.Data)
		case engine.MsgOps:
			payload := wire.EncodeEmitCommand(*msg.Update)
			sm.Update = &payload
			sm.Version = msg.Version
		}

		first = false
		if err := conn.sendServerMessage(sm); err != nil {
			// The socket is presumably dead; the connection's own
			// teardown will cancel every tracked operation (including
			// this one) via its context. Cancelling it synchronously
			// from here would risk this very goroutine deadlocking
			// against a producer still blocked on a full Messages
			// channel waiting for us to drain it.
			d.logger.Debug("dropping operation, send failed", zap.String("clientId", conn.ClientID), zap.String("id", id), zap.Error(err))
			return
		}
	}
}

func (d *dispatcher) handleReconnect(conn *Connection, msg wire.ClientMessage) {
	ack := d.reconnect.Resolve(msg.ReconnectID, msg.Subscriptions, msg.ClientTime)
	_ = conn.sendServerMessage(ack)
}
