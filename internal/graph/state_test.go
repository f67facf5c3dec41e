package graph

import (
	"errors"
	"testing"

	"github.com/sylphxai/lens/internal/codec"
	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/value"
	"github.com/sylphxai/lens/internal/wire"
)

type recordingSink struct {
	sent map[string][]wire.UpdateMessage
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(map[string][]wire.UpdateMessage)}
}

func (s *recordingSink) send(clientID string, msg wire.UpdateMessage) error {
	s.sent[clientID] = append(s.sent[clientID], msg)
	return nil
}

func obj(kvs ...any) value.Value {
	o := value.NewObject()
	for i := 0; i < len(kvs); i += 2 {
		o.Set(kvs[i].(string), kvs[i+1].(value.Value))
	}
	return value.ObjectVal(o)
}

func TestSubscribeThenEmit(t *testing.T) {
	m := New(DefaultConfig(), nil)
	sink := newRecordingSink()
	m.AddClient("c1", sink.send)

	if err := m.Subscribe("c1", "Post", "p1", Fields("title")); err != nil {
		t.Fatal(err)
	}
	if err := m.Emit("Post", "p1", obj("title", value.String("Hello"), "body", value.String("hi")), true); err != nil {
		t.Fatal(err)
	}

	msgs := sink.sent["c1"]
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Entity != "Post" || msg.ID != "p1" || msg.Version != 1 {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if len(msg.Updates) != 1 {
		t.Fatalf("expected only title in updates, got %v", msg.Updates)
	}
	title, ok := msg.Updates["title"]
	if !ok || title.Strategy != codec.StrategyValue || title.Data != "Hello" {
		t.Fatalf("unexpected title update: %+v", title)
	}
	if _, bodyLeaked := msg.Updates["body"]; bodyLeaked {
		t.Fatalf("body should have been omitted: not in subscribed field set")
	}
}

func TestHydrateOnLateSubscribe(t *testing.T) {
	m := New(DefaultConfig(), nil)

	if err := m.Emit("Post", "p1", obj("title", value.String("Hello")), true); err != nil {
		t.Fatal(err)
	}

	sink := newRecordingSink()
	m.AddClient("c2", sink.send)
	if err := m.Subscribe("c2", "Post", "p1", AllFields()); err != nil {
		t.Fatal(err)
	}

	msgs := sink.sent["c2"]
	if len(msgs) != 1 {
		t.Fatalf("expected one hydration message, got %d", len(msgs))
	}
	if msgs[0].Version != 1 {
		t.Fatalf("expected hydration version 1, got %d", msgs[0].Version)
	}
	title := msgs[0].Updates["title"]
	if title.Strategy != codec.StrategyValue || title.Data != "Hello" {
		t.Fatalf("unexpected hydrated title: %+v", title)
	}
}

func TestIdempotentEmitProducesNoSend(t *testing.T) {
	m := New(DefaultConfig(), nil)
	sink := newRecordingSink()
	m.AddClient("c1", sink.send)

	if err := m.Emit("Post", "p1", obj("title", value.String("Hello")), true); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe("c1", "Post", "p1", AllFields()); err != nil {
		t.Fatal(err)
	}
	sink.sent["c1"] = nil // clear the hydration message recorded by Subscribe

	beforeVersion := m.GetVersion("Post", "p1")
	if err := m.Emit("Post", "p1", obj("title", value.String("Hello")), true); err != nil {
		t.Fatal(err)
	}

	if len(sink.sent["c1"]) != 0 {
		t.Fatalf("expected no send for a structurally identical emit, got %v", sink.sent["c1"])
	}
	if m.GetVersion("Post", "p1") != beforeVersion {
		t.Fatalf("expected version to remain %d, got %d", beforeVersion, m.GetVersion("Post", "p1"))
	}
}

func TestFieldSubscribedFiltering(t *testing.T) {
	m := New(DefaultConfig(), nil)
	sink := newRecordingSink()
	m.AddClient("c1", sink.send)

	if err := m.Subscribe("c1", "User", "u1", Fields("name")); err != nil {
		t.Fatal(err)
	}

	err := m.EmitBatch("User", "u1", []emitcmd.FieldUpdate{
		{Field: "name", Update: codec.Update{Strategy: codec.StrategyValue, Data: "A"}},
		{Field: "email", Update: codec.Update{Strategy: codec.StrategyValue, Data: "a@x"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := sink.sent["c1"]
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(msgs))
	}
	if len(msgs[0].Updates) != 1 {
		t.Fatalf("expected only name in updates, got %v", msgs[0].Updates)
	}
	if _, ok := msgs[0].Updates["name"]; !ok {
		t.Fatalf("expected name field present, got %v", msgs[0].Updates)
	}
	if msgs[0].Version != 1 {
		t.Fatalf("expected version bumped exactly once to 1, got %d", msgs[0].Version)
	}
}

func TestEmitFieldOnNonexistentEntityCreatesIt(t *testing.T) {
	m := New(DefaultConfig(), nil)
	u := codec.Update{Strategy: codec.StrategyValue, Data: "hello"}
	if err := m.EmitField("Widget", "w1", "title", u); err != nil {
		t.Fatal(err)
	}
	snap, ok := m.Snapshot("Widget", "w1")
	if !ok {
		t.Fatal("expected entity to now exist")
	}
	title, ok := snap.Get("title")
	if !ok || title.String() != "hello" {
		t.Fatalf("expected title=hello, got %v", value.ToAny(value.ObjectVal(snap)))
	}
}

func TestUnsubscribeOfUnknownPairIsNoOp(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Unsubscribe("ghost", "Post", "p1") // must not panic
}

func TestAddClientReplacesSendFunc(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.AddClient("c1", func(string, wire.UpdateMessage) error {
		return errors.New("stale handler should never fire")
	})

	sink := newRecordingSink()
	m.AddClient("c1", sink.send)

	if err := m.Subscribe("c1", "Post", "p1", AllFields()); err != nil {
		t.Fatal(err)
	}
	if err := m.Emit("Post", "p1", obj("title", value.String("Hi")), true); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent["c1"]) != 1 {
		t.Fatalf("expected the replaced handler to receive the update")
	}
}

func TestSendFailureEvictsClient(t *testing.T) {
	m := New(DefaultConfig(), nil)
	calls := 0
	m.AddClient("c1", func(string, wire.UpdateMessage) error {
		calls++
		return errors.New("boom")
	})
	if err := m.Subscribe("c1", "Post", "p1", AllFields()); err != nil {
		t.Fatal(err)
	}

	err := m.Emit("Post", "p1", obj("title", value.String("Hi")), true)
	if err != nil {
		t.Fatal(err) // ProcessCommand itself doesn't fail on send errors
	}
	if calls != 1 {
		t.Fatalf("expected exactly one send attempt, got %d", calls)
	}

	// Client should now be evicted: a second emit must not attempt to send
	// to it again.
	if err := m.Emit("Post", "p1", obj("title", value.String("Changed")), true); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected evicted client to receive no further sends, got %d calls", calls)
	}
}

func TestArrayEmitAndOp(t *testing.T) {
	m := New(DefaultConfig(), nil)
	sink := newRecordingSink()
	m.AddClient("c1", sink.send)
	if err := m.Subscribe("c1", "Feed", "f1", AllFields()); err != nil {
		t.Fatal(err)
	}

	items := []value.Value{obj("id", value.String("1"))}
	if err := m.EmitArray("Feed", "f1", items); err != nil {
		t.Fatal(err)
	}
	if err := m.EmitArrayOp("Feed", "f1", emitcmd.ArrayOp{
		Kind:  emitcmd.ArrayPush,
		Value: obj("id", value.String("2")),
	}); err != nil {
		t.Fatal(err)
	}

	got, ok := m.SnapshotArray("Feed", "f1")
	if !ok {
		t.Fatal("expected array snapshot to exist")
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 items after push, got %d", len(got))
	}
}
