package wire

import (
	"fmt"

	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/value"
)

// EncodeEmitCommand converts an emitcmd.Command into its wire shape.
func EncodeEmitCommand(cmd emitcmd.Command) EmitCommandPayload {
	switch cmd.Kind {
	case emitcmd.KindFull:
		return EmitCommandPayload{
			Kind:    string(cmd.Kind),
			Data:    value.ToAny(cmd.FullData),
			Replace: cmd.FullReplace,
		}

	case emitcmd.KindField:
		u := cmd.FieldUpdate
		return EmitCommandPayload{
			Kind:   string(cmd.Kind),
			Field:  cmd.Field,
			Single: &u,
		}

	case emitcmd.KindBatch:
		updates := make([]BatchFieldWire, len(cmd.BatchUpdates))
		for i, fu := range cmd.BatchUpdates {
			updates[i] = BatchFieldWire{Field: fu.Field, Update: fu.Update}
		}
		return EmitCommandPayload{Kind: string(cmd.Kind), Batch: updates}

	case emitcmd.KindArray:
		return EmitCommandPayload{
			Kind:    string(cmd.Kind),
			Field:   cmd.ArrayField,
			ArrayOp: string(cmd.Array.Kind),
			Index:   cmd.Array.Index,
			ID:      cmd.Array.ID,
			Value:   value.ToAny(cmd.Array.Value),
		}

	default:
		return EmitCommandPayload{Kind: string(cmd.Kind)}
	}
}

// DecodeEmitCommand is the inverse of EncodeEmitCommand, used by a local
// in-process client or test harness that speaks the wire shape directly.
func DecodeEmitCommand(p EmitCommandPayload) (emitcmd.Command, error) {
	switch emitcmd.Kind(p.Kind) {
	case emitcmd.KindFull:
		return emitcmd.Full(value.FromAny(p.Data), p.Replace), nil

	case emitcmd.KindField:
		if p.Single == nil {
			return emitcmd.Command{}, fmt.Errorf("wire: field command missing update")
		}
		return emitcmd.Field(p.Field, *p.Single), nil

	case emitcmd.KindBatch:
		updates := make([]emitcmd.FieldUpdate, len(p.Batch))
		for i, bf := range p.Batch {
			updates[i] = emitcmd.FieldUpdate{Field: bf.Field, Update: bf.Update}
		}
		return emitcmd.Batch(updates), nil

	case emitcmd.KindArray:
		return emitcmd.Array(p.Field, emitcmd.ArrayOp{
			Kind:  emitcmd.ArrayOpKind(p.ArrayOp),
			Index: p.Index,
			ID:    p.ID,
			Value: value.FromAny(p.Value),
		}), nil

	default:
		return emitcmd.Command{}, fmt.Errorf("wire: unknown emit command kind %q", p.Kind)
	}
}
