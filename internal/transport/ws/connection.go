package ws

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sylphxai/lens/internal/engine"
	"github.com/sylphxai/lens/internal/wire"
)

// Connection is one live client. It owns the send queue the write pump
// drains and the table of operations/subscriptions it currently has
// open, keyed by the client-supplied request id.
type Connection struct {
	ClientID  string
	Conn      net.Conn
	SendQueue chan []byte

	mu  sync.Mutex
	ops map[string]*engine.Operation
}

func newConnection(clientID string, conn net.Conn, sendQueueSize int) *Connection {
	return &Connection{
		ClientID:  clientID,
		Conn:      conn,
		SendQueue: make(chan []byte, sendQueueSize),
		ops:       make(map[string]*engine.Operation),
	}
}

// trackOperation registers op under id so a later unsubscribe/disconnect
// can cancel it. Replaces (and cancels) any prior operation at the same
// id, matching addClient's replace-on-id-reuse semantics elsewhere.
func (c *Connection) trackOperation(id string, op *engine.Operation) {
	c.mu.Lock()
	old, existed := c.ops[id]
	c.ops[id] = op
	c.mu.Unlock()
	if existed {
		old.Cancel()
	}
}

func (c *Connection) cancelOperation(id string) {
	c.mu.Lock()
	op, ok := c.ops[id]
	if ok {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	if ok {
		op.Cancel()
	}
}

func (c *Connection) forgetOperation(id string) {
	c.mu.Lock()
	delete(c.ops, id)
	c.mu.Unlock()
}

// cancelAll tears down every open operation, called on disconnect.
func (c *Connection) cancelAll() {
	c.mu.Lock()
	ops := c.ops
	c.ops = make(map[string]*engine.Operation)
	c.mu.Unlock()
	for _, op := range ops {
		op.Cancel()
	}
}

// enqueue drops the payload if the client is backed up rather than
// blocking the sender (consistent with spec.md §5: sends must never
// stall unrelated clients/entities).
func (c *Connection) enqueue(payload []byte) error {
	select {
	case c.SendQueue <- payload:
		return nil
	default:
		return fmt.Errorf("transport: send queue full for client %s", c.ClientID)
	}
}

func (c *Connection) sendServerMessage(msg wire.ServerMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal server message: %w", err)
	}
	return c.enqueue(raw)
}

// sendUpdate implements graph.SendFunc.
func (c *Connection) sendUpdate(clientID string, msg wire.UpdateMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal update message: %w", err)
	}
	return c.enqueue(raw)
}
