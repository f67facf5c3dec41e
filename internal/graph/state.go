// Package graph implements the graph state manager from spec.md §4.3:
// canonical per-entity state, per-client shadow state, the subscriber
// index, version accounting, and the operation log. This is the
// authoritative owner of "what does the client already have" and "what
// is the minimum transfer needed to bring it current".
package graph

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/codec"
	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/oplog"
	"github.com/sylphxai/lens/internal/value"
	"github.com/sylphxai/lens/internal/wire"
)

// SendFunc delivers one update to a connected client. A non-nil error is
// treated as a client-level failure (spec.md §4.3 "Failure semantics"):
// the client is evicted exactly as if RemoveClient had been called.
type SendFunc func(clientID string, msg wire.UpdateMessage) error

type clientRecord struct {
	id   string
	send SendFunc
}

// shadowEntry records what a client has already been sent for one
// entity: the field values last delivered to it. The field *selection*
// (what it's subscribed to) lives separately in subFields, since a
// subscription can exist before any hydration has happened.
type shadowEntry struct {
	lastState map[string]value.Value
}

// itemsField is the synthetic field name array-shaped entities store
// their canonical list under (DESIGN.md "Reconnect with array entities"):
// it lets array entities reuse the same object-shaped canonical storage,
// subscription index, and reconnect path as every other entity.
const itemsField = "_items"

// Metrics receives optional observability hooks from the manager. A nil
// Metrics on Config disables instrumentation entirely.
type Metrics interface {
	VersionBumped(entityType string)
	EntityEvicted(entityType string)
}

// Config bounds the manager's auxiliary resources.
type Config struct {
	CacheMode CacheMode
	CacheTTL  time.Duration // only used when CacheMode == CacheModeTTL
	OpLog     oplog.Config
	Metrics   Metrics
}

func DefaultConfig() Config {
	return Config{CacheMode: CacheModeRetain, OpLog: oplog.DefaultConfig()}
}

// Manager is the graph state manager. All exported methods are safe for
// concurrent use. A single mutex serializes canonical/shadow/subscriber
// mutation; sends are always dispatched after the lock is released (see
// spec.md §5), so a slow or blocking transport never stalls unrelated
// entities or clients.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
	log    *oplog.Log

	clients map[string]*clientRecord

	canonical map[string]*value.Object // entityKey -> fields
	version   map[string]int64         // entityKey -> version

	subscribers map[string]map[string]struct{}     // entityKey -> set of clientID
	subFields   map[string]map[string]FieldSet     // entityKey -> clientID -> subscribed fields
	shadow      map[string]map[string]*shadowEntry // clientID -> entityKey -> shadow

	ttl *ttlTombstones

	onEntityUnsubscribed func(entityKey string)
}

func New(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:         cfg,
		logger:      logger,
		log:         oplog.New(cfg.OpLog),
		clients:     make(map[string]*clientRecord),
		canonical:   make(map[string]*value.Object),
		version:     make(map[string]int64),
		subscribers: make(map[string]map[string]struct{}),
		subFields:   make(map[string]map[string]FieldSet),
		shadow:      make(map[string]map[string]*shadowEntry),
	}
	if cfg.CacheMode == CacheModeTTL {
		m.ttl = newTTLTombstones(cfg.CacheTTL, m.evictEntity)
	}
	return m
}

// OpLog exposes the underlying operation log, e.g. for the reconnect
// protocol to call GetSince directly.
func (m *Manager) OpLog() *oplog.Log { return m.log }

// OnEntityUnsubscribed registers the callback invoked when an entity's
// subscriber set becomes empty.
func (m *Manager) OnEntityUnsubscribed(fn func(entityKey string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEntityUnsubscribed = fn
}

// AddClient registers a client. Idempotent: adding an already-known id
// replaces its send function (the new registration wins) without
// touching its shadow state, so a client re-registering after a
// transport-level reconnect keeps what the server believes it already
// holds.
func (m *Manager) AddClient(clientID string, send SendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientID] = &clientRecord{id: clientID, send: send}
}

// RemoveClient tombstones clientID: no subsequent send targets it, and it
// is removed from every subscription index and shadow table. Idempotent
// on unknown ids.
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeClientLocked(clientID)
}

func (m *Manager) removeClientLocked(clientID string) {
	delete(m.clients, clientID)
	delete(m.shadow, clientID)

	for entityKey, subs := range m.subscribers {
		if _, ok := subs[clientID]; !ok {
			continue
		}
		delete(subs, clientID)
		if fields, ok := m.subFields[entityKey]; ok {
			delete(fields, clientID)
			if len(fields) == 0 {
				delete(m.subFields, entityKey)
			}
		}
		if len(subs) == 0 {
			delete(m.subscribers, entityKey)
			m.handleLastUnsubscribeLocked(entityKey)
		}
	}
}

// GetVersion returns the current version for an entity (0 if it has
// never been emitted).
func (m *Manager) GetVersion(entityType, id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version[Key(entityType, id)]
}

// Exists reports whether canonical state has ever been created for this
// entity (version > 0).
func (m *Manager) Exists(entityType, id string) bool {
	return m.GetVersion(entityType, id) > 0
}

// Snapshot returns a copy of the current canonical state for an entity,
// or (nil, false) if it has never been emitted.
func (m *Manager) Snapshot(entityType, id string) (*value.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.canonical[Key(entityType, id)]
	if !ok {
		return nil, false
	}
	return obj.Clone(), true
}

// Subscribe registers clientID as a subscriber of (entityType, id) for
// fields. If canonical state already exists, a hydration update is sent
// immediately with every subscribed field at "value" strategy. If the
// entity doesn't exist yet, the subscription is recorded and hydration
// happens on first emit.
func (m *Manager) Subscribe(clientID, entityType, id string, fields FieldSet) error {
	key := Key(entityType, id)

	m.mu.Lock()
	if m.ttl != nil {
		m.ttl.cancel(key)
	}
	if m.subscribers[key] == nil {
		m.subscribers[key] = make(map[string]struct{})
	}
	m.subscribers[key][clientID] = struct{}{}
	if m.subFields[key] == nil {
		m.subFields[key] = make(map[string]FieldSet)
	}
	m.subFields[key][clientID] = fields

	obj, exists := m.canonical[key]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	version := m.version[key]
	hydration, shadowFields := m.buildHydrationLocked(obj, fields)
	client := m.clients[clientID]
	m.mu.Unlock()

	if client == nil || len(hydration) == 0 {
		return nil
	}

	msg := wire.NewUpdateMessage(entityType, id, version, hydration)
	if err := client.send(clientID, msg); err != nil {
		m.RemoveClient(clientID)
		return fmt.Errorf("graph: hydration send failed, client evicted: %w", err)
	}

	m.mu.Lock()
	m.commitShadowLocked(clientID, key, shadowFields)
	m.mu.Unlock()
	return nil
}

func (m *Manager) buildHydrationLocked(obj *value.Object, fields FieldSet) (map[string]codec.Update, map[string]value.Value) {
	updates := make(map[string]codec.Update)
	shadowFields := make(map[string]value.Value)
	for _, k := range obj.Keys() {
		if !fields.Contains(k) {
			continue
		}
		v, _ := obj.Get(k)
		updates[k] = codec.Update{Strategy: codec.StrategyValue, Data: value.ToAny(v)}
		shadowFields[k] = v
	}
	return updates, shadowFields
}

func (m *Manager) commitShadowLocked(clientID, entityKey string, fieldValues map[string]value.Value) {
	if m.shadow[clientID] == nil {
		m.shadow[clientID] = make(map[string]*shadowEntry)
	}
	entry, ok := m.shadow[clientID][entityKey]
	if !ok {
		entry = &shadowEntry{lastState: make(map[string]value.Value)}
		m.shadow[clientID][entityKey] = entry
	}
	for k, v := range fieldValues {
		entry.lastState[k] = v
	}
}

// Unsubscribe removes clientID from (entityType, id)'s subscriber set. A
// no-op if the pair wasn't subscribed.
func (m *Manager) Unsubscribe(clientID, entityType, id string) {
	key := Key(entityType, id)
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[key]
	if !ok {
		return
	}
	if _, ok := subs[clientID]; !ok {
		return
	}
	delete(subs, clientID)
	if cid, ok := m.shadow[clientID]; ok {
		delete(cid, key)
	}
	if fields, ok := m.subFields[key]; ok {
		delete(fields, clientID)
		if len(fields) == 0 {
			delete(m.subFields, key)
		}
	}
	if len(subs) == 0 {
		delete(m.subscribers, key)
		m.handleLastUnsubscribeLocked(key)
	}
}

func (m *Manager) handleLastUnsubscribeLocked(entityKey string) {
	switch m.cfg.CacheMode {
	case CacheModeEvictImmediate:
		m.evictEntityLocked(entityKey)
	case CacheModeTTL:
		if m.ttl != nil {
			m.ttl.markUnsubscribed(entityKey)
		}
	}
	if m.onEntityUnsubscribed != nil {
		m.onEntityUnsubscribed(entityKey)
	}
}

// evictEntity drops canonical state for entityKey; called directly (TTL
// expiry callback) so it takes its own lock.
func (m *Manager) evictEntity(entityKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictEntityLocked(entityKey)
}

func (m *Manager) evictEntityLocked(entityKey string) {
	// Only evict if still unsubscribed: a client may have resubscribed
	// between the policy decision and this call.
	if _, stillSubscribed := m.subscribers[entityKey]; stillSubscribed {
		return
	}
	delete(m.canonical, entityKey)
	delete(m.version, entityKey)
	if m.cfg.Metrics != nil {
		entityType, _ := SplitKey(entityKey)
		m.cfg.Metrics.EntityEvicted(entityType)
	}
}

// UpdateSubscription replaces the field set for an existing (client,
// entity) subscription. Does not send a catch-up; the next emit honors
// the new set. A no-op if clientID isn't subscribed to the entity.
func (m *Manager) UpdateSubscription(clientID, entityType, id string, fields FieldSet) {
	key := Key(entityType, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[key][clientID]; !ok {
		return
	}
	if m.subFields[key] == nil {
		m.subFields[key] = make(map[string]FieldSet)
	}
	m.subFields[key][clientID] = fields
}

// pendingSend is a fan-out target computed while the lock was held;
// dispatch performs the actual (blocking) send after the lock is
// released, per spec.md §5.
type pendingSend struct {
	client    *clientRecord
	clientID  string
	entityKey string
	msg       wire.UpdateMessage
	fieldVals map[string]value.Value
	removed   []string
}

// Emit replaces (replace=true) or shallow-merges (replace=false) an
// entity's full state, per spec.md §4.4's `full` EmitCommand.
func (m *Manager) Emit(entityType, id string, data value.Value, replace bool) error {
	return m.ProcessCommand(entityType, id, emitcmd.Full(data, replace))
}

// EmitField applies a single-field update, per the `field` EmitCommand.
// field may be a dotted path; intermediate objects are created as
// needed.
func (m *Manager) EmitField(entityType, id, field string, u codec.Update) error {
	return m.ProcessCommand(entityType, id, emitcmd.Field(field, u))
}

// EmitBatch applies several field updates as one version bump, per the
// `batch` EmitCommand.
func (m *Manager) EmitBatch(entityType, id string, updates []emitcmd.FieldUpdate) error {
	return m.ProcessCommand(entityType, id, emitcmd.Batch(updates))
}

// EmitArray replaces the canonical array for an array-shaped entity.
// Array canonical state is stored as the synthetic itemsField on the
// same object-shaped record used by every other entity (see DESIGN.md
// "Reconnect with array entities"), so array entities share the same
// subscribe/hydrate/reconnect machinery.
func (m *Manager) EmitArray(entityType, id string, items []value.Value) error {
	u := codec.Update{Strategy: codec.StrategyValue, Data: value.ToAny(value.List(items))}
	return m.ProcessCommand(entityType, id, emitcmd.Field(itemsField, u))
}

// EmitArrayOp applies a single indexed/id-targeted array mutation, per
// the `array` EmitCommand.
func (m *Manager) EmitArrayOp(entityType, id string, op emitcmd.ArrayOp) error {
	return m.ProcessCommand(entityType, id, emitcmd.Array(itemsField, op))
}

// SnapshotArray returns a copy of an array entity's canonical items, or
// (nil, false) if it has never been emitted.
func (m *Manager) SnapshotArray(entityType, id string) ([]value.Value, bool) {
	obj, ok := m.Snapshot(entityType, id)
	if !ok {
		return nil, false
	}
	items, ok := obj.Get(itemsField)
	if !ok {
		return nil, false
	}
	return items.List(), true
}

// ProcessCommand is the single state-changing entry point every Emit*
// helper funnels through: it applies command to canonical state, bumps
// the entity's version, records the resulting patch in the operation
// log, computes each subscriber's minimal per-field update, and
// dispatches the sends outside the lock.
func (m *Manager) ProcessCommand(entityType, id string, command emitcmd.Command) error {
	key := Key(entityType, id)

	m.mu.Lock()
	if m.ttl != nil {
		m.ttl.cancel(key)
	}

	oldObj := m.canonical[key]
	oldVal := value.Value{}
	if oldObj != nil {
		oldVal = value.ObjectVal(oldObj)
	}

	newVal, err := emitcmd.ApplyEmitCommand(command, oldVal)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("graph: apply emit command: %w", err)
	}
	newObj := newVal.AsObject()

	if oldObj != nil && value.Equal(oldVal, newVal) {
		// Identical state: no version bump, no log entry, no fan-out
		// (spec.md §4.3 emit step 1).
		m.mu.Unlock()
		return nil
	}

	version := m.version[key] + 1
	m.canonical[key] = newObj
	m.version[key] = version
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.VersionBumped(entityType)
	}
	m.log.Append(oplog.Entry{
		EntityKey: key,
		Version:   version,
		Timestamp: time.Now(),
		Patch:     codec.JSONPatch(oldVal, newVal),
	})

	pending := m.buildFanoutLocked(key, entityType, id, version, oldObj, newObj)
	m.mu.Unlock()

	m.dispatch(pending)
	return nil
}

// buildFanoutLocked computes, for every subscriber of key, the minimal
// set of field updates needed to bring its shadow state current with
// newObj. A client with no changed subscribed fields is skipped
// entirely — no message, no version bump sent, matching spec.md §8's
// "idempotent emit produces no send" property.
func (m *Manager) buildFanoutLocked(key, entityType, id string, version int64, oldObj, newObj *value.Object) []pendingSend {
	subs := m.subscribers[key]
	if len(subs) == 0 {
		return nil
	}

	var pending []pendingSend
	for clientID := range subs {
		client := m.clients[clientID]
		if client == nil {
			continue
		}
		fields := m.subFields[key][clientID]
		var shadow *shadowEntry
		if byEntity, ok := m.shadow[clientID]; ok {
			shadow = byEntity[key]
		}

		updates := make(map[string]codec.Update)
		fieldVals := make(map[string]value.Value)
		var removed []string

		for _, k := range newObj.Keys() {
			if !fields.Contains(k) {
				continue
			}
			newFieldVal, _ := newObj.Get(k)
			oldFieldVal, hadPrior := value.Value{}, false
			if shadow != nil {
				oldFieldVal, hadPrior = shadow.lastState[k]
			}
			if hadPrior && value.Equal(oldFieldVal, newFieldVal) {
				continue
			}
			updates[k] = codec.CreateUpdate(oldFieldVal, newFieldVal)
			fieldVals[k] = newFieldVal
		}

		if shadow != nil {
			for k := range shadow.lastState {
				if !fields.Contains(k) {
					continue
				}
				if _, stillPresent := newObj.Get(k); !stillPresent {
					updates[k] = codec.Update{Strategy: codec.StrategyValue, Data: nil}
					removed = append(removed, k)
				}
			}
		}

		if len(updates) == 0 {
			continue
		}

		pending = append(pending, pendingSend{
			client:    client,
			clientID:  clientID,
			entityKey: key,
			msg:       wire.NewUpdateMessage(entityType, id, version, updates),
			fieldVals: fieldVals,
			removed:   removed,
		})
	}
	return pending
}

// dispatch sends every pending update outside the state lock. A client
// whose send fails is evicted exactly as RemoveClient would; other
// pending sends in the same batch are unaffected.
func (m *Manager) dispatch(pending []pendingSend) {
	for _, p := range pending {
		if err := p.client.send(p.clientID, p.msg); err != nil {
			m.logger.Warn("graph: send failed, evicting client",
				zap.String("client_id", p.clientID),
				zap.String("entity_key", p.entityKey),
				zap.Error(err))
			m.RemoveClient(p.clientID)
			continue
		}

		m.mu.Lock()
		m.commitShadowLocked(p.clientID, p.entityKey, p.fieldVals)
		m.removeShadowFieldsLocked(p.clientID, p.entityKey, p.removed)
		m.mu.Unlock()
	}
}

func (m *Manager) removeShadowFieldsLocked(clientID, entityKey string, removed []string) {
	if len(removed) == 0 {
		return
	}
	entry, ok := m.shadow[clientID][entityKey]
	if !ok {
		return
	}
	for _, f := range removed {
		delete(entry.lastState, f)
	}
}
