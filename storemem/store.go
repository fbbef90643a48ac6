// Package storemem is an in-memory Store implementation: the reference
// semantics for sourced.Store, used in tests and by hosts embedding the
// runtime without a database. It is deliberately grounded on the
// teacher's in-memory cursor bookkeeping (kgo's usedCursors map,
// guarded by a single mutex) rather than on any external driver: there is
// nothing to persist to, so the idiomatic Go rendering is one mutex
// protecting plain slices and maps.
package storemem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sourced "github.com/ismasan/sourced"
)

type storedMessage struct {
	msg   sourced.Message
	pairs map[string]string // attribute name -> string value, extracted at append time
}

type offsetRow struct {
	offset  sourced.Offset
	handled []sourced.MessageDescriptor
	attrs   []string
}

// Store is the in-memory sourced.Store implementation.
type Store struct {
	mu sync.Mutex

	messages []storedMessage
	nextPos  int64

	keyExtractor sourced.KeyExtractor
	notifier     sourced.Notifier

	groups           map[string]*sourced.ConsumerGroup
	offsets          map[string]*offsetRow // offset id -> row
	byGroupPartition map[string]string     // groupID + "\x1f" + partitionKey -> offset id

	workers map[string]int64 // worker id -> last seen unix nanos

	now func() time.Time
}

// Option customizes a Store at construction.
type Option func(*Store)

// WithKeyExtractor overrides the default reflect-based key extraction.
func WithKeyExtractor(ke sourced.KeyExtractor) Option {
	return func(s *Store) { s.keyExtractor = ke }
}

// WithNotifier attaches a Notifier that Append/StartConsumerGroup publish
// to. Defaults to a fresh sourced.InlineNotifier.
func WithNotifier(n sourced.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock overrides time.Now, for deterministic stale-claim tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds an empty in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		groups:           map[string]*sourced.ConsumerGroup{},
		offsets:          map[string]*offsetRow{},
		byGroupPartition: map[string]string{},
		workers:          map[string]int64{},
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = sourced.NewInlineNotifier()
	}
	return s
}

// Notifier returns the Notifier this Store publishes on, so a Dispatcher
// can be wired to listen on the same instance.
func (s *Store) Notifier() sourced.Notifier { return s.notifier }

func groupPartitionKey(groupID, partitionKey string) string {
	return groupID + "\x1f" + partitionKey
}

// storeSnapshot captures everything a Transaction callback can mutate, so
// Store.Transaction can undo a failed callback's effects in full.
type storeSnapshot struct {
	messagesLen int
	nextPos     int64
	offsets     map[string]sourced.Offset
	groups      map[string]sourced.ConsumerGroup
}

func (s *Store) snapshotLocked() storeSnapshot {
	offsets := make(map[string]sourced.Offset, len(s.offsets))
	for id, row := range s.offsets {
		offsets[id] = row.offset
	}
	groups := make(map[string]sourced.ConsumerGroup, len(s.groups))
	for id, g := range s.groups {
		groups[id] = *g
	}
	return storeSnapshot{
		messagesLen: len(s.messages),
		nextPos:     s.nextPos,
		offsets:     offsets,
		groups:      groups,
	}
}

// restoreLocked undoes every mutation made since snap was taken. New
// offset/group rows created during the callback (e.g. by bootstrapping a
// partition) are left in place rather than deleted: they carry no
// progress of their own, so leaving an unclaimed, zero-position offset
// behind is harmless and mirrors storepg, which has no equivalent of
// "delete a row inserted by a rolled-back statement" to undo either.
func (s *Store) restoreLocked(snap storeSnapshot) {
	s.messages = s.messages[:snap.messagesLen]
	s.nextPos = snap.nextPos
	for id, off := range snap.offsets {
		if row, ok := s.offsets[id]; ok {
			row.offset = off
		}
	}
	for id, g := range snap.groups {
		if group, ok := s.groups[id]; ok {
			*group = g
		}
	}
}

// Transaction implements sourced.Store.Transaction: it holds s.mu for
// fn's entire duration and rolls back every mutation fn made if fn
// returns an error, so Router.commit can make a whole batch's
// Append/Ack calls one atomic unit, per spec.md §4.5 step 4. Nesting a
// Transaction inside another (a reactor calling tx.Transaction from
// within a Transaction callback) runs fn directly against the same
// locked Store rather than deadlocking on s.mu.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx sourced.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionLocked(ctx, fn)
}

func (s *Store) transactionLocked(ctx context.Context, fn func(ctx context.Context, tx sourced.Store) error) error {
	snap := s.snapshotLocked()
	if err := fn(ctx, &txStore{s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

// txStore is the sourced.Store handed to a Transaction callback: every
// method assumes the enclosing Transaction call already holds s.mu, so it
// calls the *Locked sibling directly instead of re-locking (sync.Mutex
// isn't reentrant).
type txStore struct {
	s *Store
}

func (t *txStore) Append(ctx context.Context, messages []sourced.Message, guard *sourced.Guard) (int64, error) {
	return t.s.appendLocked(ctx, messages, guard)
}

func (t *txStore) Read(ctx context.Context, conditions []sourced.Condition, fromPosition int64, limit int) (sourced.ReadResult, error) {
	return t.s.readLocked(conditions, fromPosition, limit), nil
}

func (t *txStore) MessagesSince(ctx context.Context, conditions []sourced.Condition, position int64) ([]sourced.Message, error) {
	return t.s.messagesSinceLocked(conditions, position), nil
}

func (t *txStore) ClaimNext(ctx context.Context, groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor, workerID string, batchSize int) (*sourced.Claim, error) {
	return t.s.claimNextLocked(groupID, partitionAttrs, handled, workerID, batchSize), nil
}

func (t *txStore) Ack(ctx context.Context, groupID, offsetID string, position int64) error {
	t.s.ackLocked(groupID, offsetID, position)
	return nil
}

func (t *txStore) Release(ctx context.Context, groupID, offsetID string) error {
	t.s.releaseLocked(groupID, offsetID)
	return nil
}

func (t *txStore) RegisterConsumerGroup(ctx context.Context, groupID string) error {
	t.s.registerConsumerGroupLocked(groupID)
	return nil
}

func (t *txStore) StartConsumerGroup(ctx context.Context, groupID string) error {
	wasStopped := t.s.startConsumerGroupLocked(groupID)
	if wasStopped {
		_ = t.s.notifier.Notify(ctx, sourced.ChannelReactorResumed, groupID)
	}
	return nil
}

func (t *txStore) StopConsumerGroup(ctx context.Context, groupID string) error {
	t.s.stopConsumerGroupLocked(groupID)
	return nil
}

func (t *txStore) ResetConsumerGroup(ctx context.Context, groupID string) error {
	t.s.resetConsumerGroupLocked(groupID)
	return nil
}

func (t *txStore) SetGroupError(ctx context.Context, groupID string, errContext map[string]any, retryAt *int64) error {
	t.s.setGroupErrorLocked(groupID, errContext, retryAt)
	return nil
}

func (t *txStore) WorkerHeartbeat(ctx context.Context, workerIDs []string) error {
	t.s.workerHeartbeatLocked(workerIDs)
	return nil
}

func (t *txStore) ReleaseStaleClaims(ctx context.Context, ttlSeconds int) (int, error) {
	return t.s.releaseStaleClaimsLocked(ttlSeconds), nil
}

func (t *txStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx sourced.Store) error) error {
	return t.s.transactionLocked(ctx, fn)
}

// Append implements sourced.Store.Append.
func (s *Store) Append(ctx context.Context, messages []sourced.Message, guard *sourced.Guard) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, messages, guard)
}

func (s *Store) appendLocked(ctx context.Context, messages []sourced.Message, guard *sourced.Guard) (int64, error) {
	if guard != nil {
		conflicts := s.messagesSinceLocked(guard.Conditions, guard.LastPosition)
		if len(conflicts) > 0 {
			return 0, &sourced.ConcurrentAppendError{Conflicts: len(conflicts)}
		}
	}

	if len(messages) == 0 {
		return s.nextPos, nil
	}

	types := make([]string, 0, len(messages))
	for i := range messages {
		s.nextPos++
		messages[i].Position = s.nextPos
		if messages[i].CreatedAt.IsZero() {
			messages[i].CreatedAt = s.now().UTC()
		}
		pairs := sourced.ExtractPairs(s.keyExtractor, messages[i].Payload)
		attrs := make(map[string]string, len(pairs))
		for _, p := range pairs {
			attrs[p.Name] = p.Value
		}
		s.messages = append(s.messages, storedMessage{msg: messages[i], pairs: attrs})
		types = append(types, messages[i].Type)
	}

	_ = s.notifier.Notify(ctx, sourced.ChannelMessagesAppended, sourced.DedupeTypes(types))

	return s.nextPos, nil
}

// Read implements sourced.Store.Read.
func (s *Store) Read(ctx context.Context, conditions []sourced.Condition, fromPosition int64, limit int) (sourced.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(conditions, fromPosition, limit), nil
}

func (s *Store) readLocked(conditions []sourced.Condition, fromPosition int64, limit int) sourced.ReadResult {
	matches := s.messagesSinceLocked(conditions, fromPosition)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	guard := sourced.Guard{Conditions: conditions}
	if len(matches) > 0 {
		guard.LastPosition = matches[len(matches)-1].Position
	} else {
		guard.LastPosition = fromPosition
		if s.nextPos > guard.LastPosition {
			guard.LastPosition = s.nextPos
		}
	}

	return sourced.ReadResult{Messages: matches, Guard: guard}
}

// MessagesSince implements sourced.Store.MessagesSince.
func (s *Store) MessagesSince(ctx context.Context, conditions []sourced.Condition, position int64) ([]sourced.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesSinceLocked(conditions, position), nil
}

// messagesSinceLocked must be called with s.mu held.
func (s *Store) messagesSinceLocked(conditions []sourced.Condition, position int64) []sourced.Message {
	var out []sourced.Message
	for _, sm := range s.messages {
		if sm.msg.Position <= position {
			continue
		}
		if !sm.msg.CreatedAt.IsZero() && sm.msg.CreatedAt.After(s.now()) {
			continue // scheduled for the future: not yet visible
		}
		if conditionsMatch(conditions, sm) {
			out = append(out, sm.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func conditionsMatch(conditions []sourced.Condition, sm storedMessage) bool {
	if len(conditions) == 0 {
		return true
	}
	for _, c := range conditions {
		if c.MessageType != "" && c.MessageType != sm.msg.Type {
			continue
		}
		if c.KeyName == "" {
			return true
		}
		if v, ok := sm.pairs[c.KeyName]; ok && v == c.KeyValue {
			return true
		}
	}
	return false
}

// messageMatchesPartition applies spec.md §4.1 step 4's strict AND
// filter: for the candidate message's type, every partition attribute
// that type declares must be present in the message's extracted keys and
// equal partition's value; attributes the type doesn't declare are
// ignored.
func messageMatchesPartition(sm storedMessage, handled []sourced.MessageDescriptor, partition sourced.PartitionValue) bool {
	for _, md := range handled {
		if md.Type != sm.msg.Type {
			continue
		}
		for _, attr := range md.PartitionAttrs {
			want, ok := partition[attr]
			if !ok {
				return false
			}
			got, ok := sm.pairs[attr]
			if !ok || got != want {
				return false
			}
		}
		return true
	}
	return false
}

func typeIsHandled(handled []sourced.MessageDescriptor, msgType string) bool {
	for _, md := range handled {
		if md.Type == msgType {
			return true
		}
	}
	return false
}

// ClaimNext implements sourced.Store.ClaimNext, per spec.md §4.1.
func (s *Store) ClaimNext(ctx context.Context, groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor, workerID string, batchSize int) (*sourced.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimNextLocked(groupID, partitionAttrs, handled, workerID, batchSize), nil
}

func (s *Store) claimNextLocked(groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor, workerID string, batchSize int) *sourced.Claim {
	group, ok := s.groups[groupID]
	if !ok {
		group = &sourced.ConsumerGroup{GroupID: groupID, Status: sourced.GroupActive}
		s.groups[groupID] = group
	}
	if group.Status == sourced.GroupStopped {
		return nil
	}
	if group.RetryAt != nil && *group.RetryAt > s.now().UnixNano() {
		return nil
	}

	s.bootstrapPartitionsLocked(groupID, partitionAttrs, handled)

	if batchSize <= 0 {
		batchSize = 100
	}

	var best *offsetRow
	var bestPending []sourced.Message

	for _, row := range s.offsets {
		if row.offset.GroupID != groupID || row.offset.Claimed {
			continue
		}
		pending := s.pendingForLocked(row, handled, batchSize)
		if len(pending) == 0 {
			continue
		}
		if best == nil || pending[0].Position < bestPending[0].Position {
			best = row
			bestPending = pending
		}
	}

	if best == nil {
		return nil
	}

	now := s.now()
	nowNanos := now.UnixNano()
	best.offset.Claimed = true
	best.offset.ClaimedBy = workerID
	best.offset.ClaimedAt = &nowNanos

	guardConds := guardConditionsForDescriptors(best.offset.PartitionValue, handled)
	maxPos := int64(0)
	for _, sm := range s.messages {
		if conditionsMatch(guardConds, sm) && sm.msg.Position > maxPos {
			maxPos = sm.msg.Position
		}
	}

	claimGuard := sourced.NewGuard(guardConds, bestPending[len(bestPending)-1].Position)

	return &sourced.Claim{
		OffsetID:       best.offset.ID,
		GroupID:        groupID,
		PartitionKey:   best.offset.PartitionKey,
		PartitionValue: best.offset.PartitionValue,
		Messages:       bestPending,
		Replaying:      bestPending[len(bestPending)-1].Position < maxPos,
		Guard:          claimGuard,
	}
}

// pendingForLocked returns up to batchSize pending messages for row,
// matching its partition, ordered by position. Must be called with s.mu
// held.
func (s *Store) pendingForLocked(row *offsetRow, handled []sourced.MessageDescriptor, batchSize int) []sourced.Message {
	var out []sourced.Message
	for _, sm := range s.messages {
		if sm.msg.Position <= row.offset.LastPosition {
			continue
		}
		if !sm.msg.CreatedAt.IsZero() && sm.msg.CreatedAt.After(s.now()) {
			continue
		}
		if !typeIsHandled(handled, sm.msg.Type) {
			continue
		}
		if !messageMatchesPartition(sm, handled, row.offset.PartitionValue) {
			continue
		}
		out = append(out, sm.msg)
		if len(out) >= batchSize {
			break
		}
	}
	return out
}

// bootstrapPartitionsLocked creates an offset row (last_position=0) for
// every partition newly visible to groupID, per spec.md §4.1 step 1.
// Must be called with s.mu held.
func (s *Store) bootstrapPartitionsLocked(groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor) {
	for _, sm := range s.messages {
		if !typeIsHandled(handled, sm.msg.Type) {
			continue
		}
		partition := sourced.PartitionValue{}
		visible := true
		for _, attr := range partitionAttrs {
			v, ok := sm.pairs[attr]
			if !ok {
				visible = false
				break
			}
			partition[attr] = v
		}
		if !visible {
			continue
		}

		partitionKey := partition.Key(partitionAttrs)
		gpKey := groupPartitionKey(groupID, partitionKey)
		if _, exists := s.byGroupPartition[gpKey]; exists {
			continue
		}

		id := uuid.New().String()
		s.offsets[id] = &offsetRow{
			offset: sourced.Offset{
				ID:             id,
				GroupID:        groupID,
				PartitionKey:   partitionKey,
				PartitionValue: partition,
				LastPosition:   0,
			},
			handled: handled,
			attrs:   partitionAttrs,
		}
		s.byGroupPartition[gpKey] = id
	}
}

func guardConditionsForDescriptors(partition sourced.PartitionValue, handled []sourced.MessageDescriptor) []sourced.Condition {
	var conds []sourced.Condition
	for _, md := range handled {
		for _, attr := range md.PartitionAttrs {
			v, ok := partition[attr]
			if !ok {
				continue
			}
			conds = append(conds, sourced.Condition{MessageType: md.Type, KeyName: attr, KeyValue: v})
		}
	}
	return conds
}

// Ack implements sourced.Store.Ack.
func (s *Store) Ack(ctx context.Context, groupID, offsetID string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackLocked(groupID, offsetID, position)
	return nil
}

func (s *Store) ackLocked(groupID, offsetID string, position int64) {
	row, ok := s.offsets[offsetID]
	if !ok || row.offset.GroupID != groupID {
		return
	}
	row.offset.LastPosition = position
	row.offset.Claimed = false
	row.offset.ClaimedAt = nil
	row.offset.ClaimedBy = ""
}

// Release implements sourced.Store.Release.
func (s *Store) Release(ctx context.Context, groupID, offsetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(groupID, offsetID)
	return nil
}

func (s *Store) releaseLocked(groupID, offsetID string) {
	row, ok := s.offsets[offsetID]
	if !ok || row.offset.GroupID != groupID {
		return
	}
	row.offset.Claimed = false
	row.offset.ClaimedAt = nil
	row.offset.ClaimedBy = ""
}

// RegisterConsumerGroup implements sourced.Store.RegisterConsumerGroup.
func (s *Store) RegisterConsumerGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerConsumerGroupLocked(groupID)
	return nil
}

func (s *Store) registerConsumerGroupLocked(groupID string) {
	if _, ok := s.groups[groupID]; ok {
		return
	}
	now := s.now().UnixNano()
	s.groups[groupID] = &sourced.ConsumerGroup{
		GroupID:   groupID,
		Status:    sourced.GroupActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StartConsumerGroup implements sourced.Store.StartConsumerGroup.
func (s *Store) StartConsumerGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	wasStopped := s.startConsumerGroupLocked(groupID)
	s.mu.Unlock()

	if wasStopped {
		_ = s.notifier.Notify(ctx, sourced.ChannelReactorResumed, groupID)
	}
	return nil
}

func (s *Store) startConsumerGroupLocked(groupID string) bool {
	group, ok := s.groups[groupID]
	if !ok {
		group = &sourced.ConsumerGroup{GroupID: groupID}
		s.groups[groupID] = group
	}
	wasStopped := group.Status == sourced.GroupStopped
	group.Status = sourced.GroupActive
	group.RetryAt = nil
	group.UpdatedAt = s.now().UnixNano()
	return wasStopped
}

// StopConsumerGroup implements sourced.Store.StopConsumerGroup.
func (s *Store) StopConsumerGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopConsumerGroupLocked(groupID)
	return nil
}

func (s *Store) stopConsumerGroupLocked(groupID string) {
	group, ok := s.groups[groupID]
	if !ok {
		group = &sourced.ConsumerGroup{GroupID: groupID}
		s.groups[groupID] = group
	}
	group.Status = sourced.GroupStopped
	group.UpdatedAt = s.now().UnixNano()
}

// ResetConsumerGroup implements sourced.Store.ResetConsumerGroup.
func (s *Store) ResetConsumerGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetConsumerGroupLocked(groupID)
	return nil
}

func (s *Store) resetConsumerGroupLocked(groupID string) {
	for id, row := range s.offsets {
		if row.offset.GroupID == groupID {
			delete(s.offsets, id)
			delete(s.byGroupPartition, groupPartitionKey(groupID, row.offset.PartitionKey))
		}
	}
}

// SetGroupError implements sourced.Store.SetGroupError.
func (s *Store) SetGroupError(ctx context.Context, groupID string, errContext map[string]any, retryAt *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setGroupErrorLocked(groupID, errContext, retryAt)
	return nil
}

func (s *Store) setGroupErrorLocked(groupID string, errContext map[string]any, retryAt *int64) {
	group, ok := s.groups[groupID]
	if !ok {
		group = &sourced.ConsumerGroup{GroupID: groupID, Status: sourced.GroupActive}
		s.groups[groupID] = group
	}
	group.ErrorContext = errContext
	group.RetryAt = retryAt
	group.UpdatedAt = s.now().UnixNano()
}

// WorkerHeartbeat implements sourced.Store.WorkerHeartbeat.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerHeartbeatLocked(workerIDs)
	return nil
}

func (s *Store) workerHeartbeatLocked(workerIDs []string) {
	now := s.now().UnixNano()
	for _, id := range workerIDs {
		s.workers[id] = now
	}
}

// ReleaseStaleClaims implements sourced.Store.ReleaseStaleClaims.
func (s *Store) ReleaseStaleClaims(ctx context.Context, ttlSeconds int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseStaleClaimsLocked(ttlSeconds), nil
}

func (s *Store) releaseStaleClaimsLocked(ttlSeconds int) int {
	cutoff := s.now().Add(-time.Duration(ttlSeconds) * time.Second).UnixNano()

	count := 0
	for _, row := range s.offsets {
		if !row.offset.Claimed {
			continue
		}
		lastSeen, heartbeated := s.workers[row.offset.ClaimedBy]
		stale := !heartbeated || lastSeen < cutoff
		if stale {
			row.offset.Claimed = false
			row.offset.ClaimedAt = nil
			row.offset.ClaimedBy = ""
			count++
		}
	}
	return count
}

// ConsumerGroup returns a snapshot of a group's state, for tests and
// diagnostics.
func (s *Store) ConsumerGroup(groupID string) (sourced.ConsumerGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return sourced.ConsumerGroup{}, false
	}
	return *g, true
}

// Offsets returns a snapshot of every offset row for groupID, for tests.
func (s *Store) Offsets(groupID string) []sourced.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sourced.Offset
	for _, row := range s.offsets {
		if row.offset.GroupID == groupID {
			out = append(out, row.offset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out
}

var _ sourced.Store = (*Store)(nil)
var _ sourced.Store = (*txStore)(nil)
