package reconnect

import (
	"testing"

	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/graph"
	"github.com/sylphxai/lens/internal/oplog"
	"github.com/sylphxai/lens/internal/value"
	"github.com/sylphxai/lens/internal/wire"
)

func obj(kvs ...any) value.Value {
	o := value.NewObject()
	for i := 0; i < len(kvs); i += 2 {
		o.Set(kvs[i].(string), kvs[i+1].(value.Value))
	}
	return value.ObjectVal(o)
}

// TestReconnectPatchedPath is spec.md §8 scenario 4: three emits bring
// version 1->4; a client reconnecting from version 1 gets exactly 3
// patches back.
func TestReconnectPatchedPath(t *testing.T) {
	g := graph.New(graph.DefaultConfig(), nil)
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v1")), true)))
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v2")), true)))
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v3")), true)))
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v4")), true)))

	r, err := New(g, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ack := r.Resolve("r1", []wire.ReconnectSubRequest{
		{ID: "s1", Entity: "Post", EntityID: "p1", Version: 1},
	}, 0)

	if len(ack.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(ack.Results))
	}
	res := ack.Results[0]
	if res.Status != string(StatusPatched) {
		t.Fatalf("expected patched, got %s", res.Status)
	}
	if len(res.Patches) != 3 {
		t.Fatalf("expected 3 patches, got %d", len(res.Patches))
	}
	if res.Version != 4 {
		t.Fatalf("expected version 4, got %d", res.Version)
	}
}

// TestReconnectSnapshotPath is spec.md §8 scenario 5: same history, but
// the op log has evicted everything at/below version 2, so the
// reconnect must fall back to a full snapshot.
func TestReconnectSnapshotPath(t *testing.T) {
	cfg := graph.DefaultConfig()
	cfg.OpLog = oplog.Config{MaxEntries: 1} // keep only the newest entry
	g := graph.New(cfg, nil)
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v1")), true)))
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v2")), true)))
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v3")), true)))
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v4")), true)))

	r, err := New(g, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ack := r.Resolve("r1", []wire.ReconnectSubRequest{
		{ID: "s1", Entity: "Post", EntityID: "p1", Version: 1},
	}, 0)

	res := ack.Results[0]
	if res.Status != string(StatusSnapshot) {
		t.Fatalf("expected snapshot, got %s", res.Status)
	}
	if res.Version != 4 {
		t.Fatalf("expected version 4, got %d", res.Version)
	}
	if res.Data == nil {
		t.Fatal("expected snapshot data")
	}
}

func TestReconnectCurrentAndDeleted(t *testing.T) {
	g := graph.New(graph.DefaultConfig(), nil)
	must(t, g.ProcessCommand("Post", "p1", emitcmd.Full(obj("title", value.String("v1")), true)))

	r, err := New(g, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ack := r.Resolve("r1", []wire.ReconnectSubRequest{
		{ID: "s1", Entity: "Post", EntityID: "p1", Version: 1},
		{ID: "s2", Entity: "Post", EntityID: "missing", Version: 0},
	}, 0)

	if ack.Results[0].Status != string(StatusCurrent) {
		t.Fatalf("expected current, got %s", ack.Results[0].Status)
	}
	if ack.Results[1].Status != string(StatusDeleted) {
		t.Fatalf("expected deleted for never-emitted entity, got %s", ack.Results[1].Status)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
