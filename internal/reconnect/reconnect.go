// Package reconnect implements the batch recovery protocol from
// spec.md §4.7: for each subscription a reconnecting client reports, it
// resolves current/patched/snapshot/deleted/error against the graph
// state manager and the operation log.
package reconnect

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/codec"
	"github.com/sylphxai/lens/internal/graph"
	"github.com/sylphxai/lens/internal/value"
	"github.com/sylphxai/lens/internal/wire"
)

// Status names the five reconnect outcomes from spec.md §4.7.
type Status string

const (
	StatusCurrent  Status = "current"
	StatusPatched  Status = "patched"
	StatusSnapshot Status = "snapshot"
	StatusDeleted  Status = "deleted"
	StatusError    Status = "error"
)

// CompressedPayload is the wire discriminant a snapshot result's Data
// carries when its serialized size exceeds Config.CompressThreshold.
type CompressedPayload struct {
	Encoding     string `json:"encoding"`
	Data         []byte `json:"data"`
	OriginalSize int    `json:"originalSize"`
}

// Metrics receives one observation per resolved subscription, labeled
// by outcome (current/patched/snapshot/deleted/error).
type Metrics interface {
	ObserveStatus(status string)
}

// Config tunes the resolver. CompressThreshold is the serialized-bytes
// cutoff above which a snapshot result is zstd-compressed.
type Config struct {
	CompressThreshold int
	Metrics           Metrics
}

func DefaultConfig() Config {
	return Config{CompressThreshold: 4096}
}

// Resolver resolves reconnect subscriptions against a graph.Manager.
type Resolver struct {
	graph   *graph.Manager
	cfg     Config
	logger  *zap.Logger
	encoder *zstd.Encoder
}

func New(g *graph.Manager, cfg Config, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("reconnect: new zstd encoder: %w", err)
	}
	return &Resolver{graph: g, cfg: cfg, logger: logger, encoder: enc}, nil
}

// Resolve resolves every subscription in subs and returns the
// ReconnectAck-shaped server message (spec.md §6).
func (r *Resolver) Resolve(reconnectID string, subs []wire.ReconnectSubRequest, clientTime int64) wire.ServerMessage {
	start := time.Now()
	results := make([]wire.ReconnectResultWire, len(subs))
	for i, sub := range subs {
		res := r.resolveOne(sub)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ObserveStatus(res.Status)
		}
		results[i] = res
	}
	return wire.ServerMessage{
		Type:           wire.ServerReconnectAck,
		ReconnectID:    reconnectID,
		Results:        results,
		ServerTime:     time.Now().UnixMilli(),
		ProcessingTime: time.Since(start).Milliseconds(),
	}
}

func (r *Resolver) resolveOne(sub wire.ReconnectSubRequest) (result wire.ReconnectResultWire) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("reconnect: resolver panicked", zap.String("id", sub.ID), zap.Any("recovered", p))
			result = errorResult(sub, fmt.Sprintf("internal error: %v", p))
		}
	}()

	currentVersion := r.graph.GetVersion(sub.Entity, sub.EntityID)
	if currentVersion == 0 {
		return wire.ReconnectResultWire{ID: sub.ID, Entity: sub.Entity, EntityID: sub.EntityID, Status: string(StatusDeleted)}
	}

	if sub.Version >= currentVersion {
		if sub.DataHash != "" {
			if obj, ok := r.graph.Snapshot(sub.Entity, sub.EntityID); ok {
				if hashHex(obj) != sub.DataHash {
					return r.snapshotResult(sub, currentVersion, obj)
				}
			}
		}
		return wire.ReconnectResultWire{ID: sub.ID, Entity: sub.Entity, EntityID: sub.EntityID, Status: string(StatusCurrent), Version: currentVersion}
	}

	key := graph.Key(sub.Entity, sub.EntityID)
	entries, ok := r.graph.OpLog().GetSince(key, sub.Version)
	if ok {
		patches := make([][]codec.PatchOp, len(entries))
		for i, e := range entries {
			patches[i] = e.Patch
		}
		return wire.ReconnectResultWire{
			ID: sub.ID, Entity: sub.Entity, EntityID: sub.EntityID,
			Status: string(StatusPatched), Version: currentVersion, Patches: patches,
		}
	}

	obj, ok := r.graph.Snapshot(sub.Entity, sub.EntityID)
	if !ok {
		return wire.ReconnectResultWire{ID: sub.ID, Entity: sub.Entity, EntityID: sub.EntityID, Status: string(StatusDeleted)}
	}
	return r.snapshotResult(sub, currentVersion, obj)
}

func (r *Resolver) snapshotResult(sub wire.ReconnectSubRequest, version int64, obj *value.Object) wire.ReconnectResultWire {
	filtered := filterFields(obj, sub.Fields)
	data := value.ToAny(value.ObjectVal(filtered))

	raw, err := json.Marshal(data)
	if err != nil {
		return errorResult(sub, fmt.Sprintf("marshal snapshot: %v", err))
	}

	result := wire.ReconnectResultWire{
		ID: sub.ID, Entity: sub.Entity, EntityID: sub.EntityID,
		Status: string(StatusSnapshot), Version: version,
	}
	if r.cfg.CompressThreshold > 0 && len(raw) > r.cfg.CompressThreshold {
		compressed := r.encoder.EncodeAll(raw, nil)
		result.Data = CompressedPayload{Encoding: "zstd", Data: compressed, OriginalSize: len(raw)}
	} else {
		result.Data = data
	}
	return result
}

func errorResult(sub wire.ReconnectSubRequest, msg string) wire.ReconnectResultWire {
	return wire.ReconnectResultWire{ID: sub.ID, Entity: sub.Entity, EntityID: sub.EntityID, Status: string(StatusError), Error: msg}
}

// filterFields projects obj down to fields; nil/empty fields means the
// wildcard "*" (spec.md §3's ReconnectSubscription.fields).
func filterFields(obj *value.Object, fields []string) *value.Object {
	if len(fields) == 0 {
		return obj.Clone()
	}
	out := value.NewObject()
	for _, f := range fields {
		if v, ok := obj.Get(f); ok {
			out.Set(f, v)
		}
	}
	return out
}

func hashHex(obj *value.Object) string {
	return strconv.FormatUint(value.Hash(value.ObjectVal(obj)), 16)
}
