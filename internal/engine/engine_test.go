package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sylphxai/lens/internal/codec"
	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/resolver"
	"github.com/sylphxai/lens/internal/value"
)

func obj(kvs ...any) value.Value {
	o := value.NewObject()
	for i := 0; i < len(kvs); i += 2 {
		o.Set(kvs[i].(string), kvs[i+1].(value.Value))
	}
	return value.ObjectVal(o)
}

func drain(t *testing.T, op *Operation, n int, timeout time.Duration) []Message {
	t.Helper()
	var out []Message
	for i := 0; i < n; i++ {
		select {
		case m, ok := <-op.Messages:
			if !ok {
				t.Fatalf("channel closed after %d of %d messages", i, n)
			}
			out = append(out, m)
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	return out
}

func TestMutationDeliversOneSnapshotAndCompletes(t *testing.T) {
	reg := resolver.NewRegistry()
	e := New(reg, nil)
	e.Register(&Handler{
		Path: "createWidget",
		Kind: KindMutation,
		Run: func(_ context.Context, _ string, input value.Value, _ resolver.EmitFunc, _ resolver.CleanupRegistrar) (value.Value, error) {
			return obj("id", value.String("w1")), nil
		},
	})

	op, err := e.Execute(context.Background(), "c1", "createWidget", obj())
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, op, 1, time.Second)
	if msgs[0].Kind != MsgSnapshot {
		t.Fatalf("expected snapshot, got %v", msgs[0].Kind)
	}
	if _, ok := <-op.Messages; ok {
		t.Fatal("expected channel to close after mutation's single snapshot")
	}
}

func TestValidateErrorShortCircuits(t *testing.T) {
	reg := resolver.NewRegistry()
	e := New(reg, nil)
	wantErr := errors.New("bad input")
	e.Register(&Handler{
		Path:     "doThing",
		Kind:     KindMutation,
		Validate: func(value.Value) (value.Value, error) { return value.Value{}, wantErr },
		Run: func(context.Context, string, value.Value, resolver.EmitFunc, resolver.CleanupRegistrar) (value.Value, error) {
			t.Fatal("Run should not be called when validation fails")
			return value.Value{}, nil
		},
	})

	op, err := e.Execute(context.Background(), "c1", "doThing", obj())
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, op, 1, time.Second)
	if msgs[0].Kind != MsgError || !errors.Is(msgs[0].Err, wantErr) {
		t.Fatalf("expected validation error, got %+v", msgs[0])
	}
}

func TestHandlerPanicIsRecoveredAsError(t *testing.T) {
	reg := resolver.NewRegistry()
	e := New(reg, nil)
	e.Register(&Handler{
		Path: "explode",
		Kind: KindMutation,
		Run: func(context.Context, string, value.Value, resolver.EmitFunc, resolver.CleanupRegistrar) (value.Value, error) {
			panic("handler exploded")
		},
	})

	op, err := e.Execute(context.Background(), "c1", "explode", obj())
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, op, 1, time.Second)
	if msgs[0].Kind != MsgError {
		t.Fatalf("expected the panic to surface as an error message, got %v", msgs[0].Kind)
	}
	if _, ok := <-op.Messages; ok {
		t.Fatal("expected channel to close after the recovered panic")
	}
}

func TestQueryStaysOpenForOpsUntilCancel(t *testing.T) {
	reg := resolver.NewRegistry()
	e := New(reg, nil)
	cleaned := false
	e.Register(&Handler{
		Path: "watchWidget",
		Kind: KindQuery,
		Run: func(_ context.Context, _ string, _ value.Value, emit resolver.EmitFunc, onCleanup resolver.CleanupRegistrar) (value.Value, error) {
			onCleanup(func() { cleaned = true })
			// Emitted synchronously (channel is buffered) so the message
			// order below is deterministic: ops before the snapshot that
			// runQuery sends once Run returns.
			emit(emitcmd.Field("title", mustUpdate("hello")))
			return obj("id", value.String("w1"), "title", value.String("initial")), nil
		},
	})

	op, err := e.Execute(context.Background(), "c1", "watchWidget", obj())
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, op, 2, time.Second)
	if msgs[0].Kind != MsgOps {
		t.Fatalf("expected ops first, got %v", msgs[0].Kind)
	}
	if msgs[1].Kind != MsgSnapshot {
		t.Fatalf("expected snapshot second, got %v", msgs[1].Kind)
	}

	op.Cancel()
	if !cleaned {
		t.Fatal("expected cleanup hook to run on cancel")
	}
}

func TestStreamingDeliversMultipleSnapshots(t *testing.T) {
	reg := resolver.NewRegistry()
	e := New(reg, nil)
	e.Register(&Handler{
		Path: "tailLog",
		Kind: KindStreaming,
		Stream: func(ctx context.Context, _ value.Value) (<-chan StreamItem, error) {
			ch := make(chan StreamItem, 2)
			ch <- StreamItem{Value: obj("id", value.String("l1"), "line", value.String("one"))}
			ch <- StreamItem{Value: obj("id", value.String("l2"), "line", value.String("two"))}
			close(ch)
			return ch, nil
		},
	})

	op, err := e.Execute(context.Background(), "c1", "tailLog", obj())
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, op, 2, time.Second)
	if msgs[0].Kind != MsgSnapshot || msgs[1].Kind != MsgSnapshot {
		t.Fatalf("expected two snapshots, got %v, %v", msgs[0].Kind, msgs[1].Kind)
	}
	if _, ok := <-op.Messages; ok {
		t.Fatal("expected channel to close once the stream source closes")
	}
}

func TestSelectPeelingRestrictsProjection(t *testing.T) {
	reg := resolver.NewRegistry()
	reg.Register(resolver.NewEntityDef("Widget", []resolver.FieldDef{
		{Name: "id", Kind: resolver.FieldExpose},
		{Name: "title", Kind: resolver.FieldExpose},
		{Name: "body", Kind: resolver.FieldExpose},
	}))
	e := New(reg, nil)
	e.Register(&Handler{
		Path: "getWidget",
		Kind: KindMutation,
		Run: func(context.Context, string, value.Value, resolver.EmitFunc, resolver.CleanupRegistrar) (value.Value, error) {
			return obj("__typename", value.String("Widget"), "id", value.String("w1"), "title", value.String("t"), "body", value.String("b")), nil
		},
	})

	sel := value.NewObject()
	sel.Set("title", value.Bool(true))
	input := value.NewObject()
	input.Set("$select", value.ObjectVal(sel))

	op, err := e.Execute(context.Background(), "c1", "getWidget", value.ObjectVal(input))
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, op, 1, time.Second)
	data := msgs[0].Data.AsObject()
	if _, ok := data.Get("body"); ok {
		t.Fatal("expected body to be excluded by $select")
	}
	if title, _ := data.Get("title"); title.String() != "t" {
		t.Fatalf("expected title to survive projection, got %v", value.ToAny(msgs[0].Data))
	}
}

func mustUpdate(s string) codec.Update {
	return codec.Update{Strategy: codec.StrategyValue, Data: s}
}
