// Package storepg is the PostgreSQL implementation of sourced.Store,
// grounded on the pgx/v5 + pgxpool + scany stack named in SPEC_FULL.md
// §4.1. It persists the six tables in schema.sql and implements
// claim_next as a single transaction: a bootstrap insert, a
// FOR UPDATE SKIP LOCKED scan, and a compare-and-set UPDATE.
package storepg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	sourced "github.com/ismasan/sourced"
)

// dbtx abstracts over *pgxpool.Pool and pgx.Tx: every query in this file
// runs against whichever one Store.db currently is, so a standalone Store
// executes against the pool and a Store handed to a Store.Transaction
// callback executes against that transaction's pgx.Tx instead.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is the PostgreSQL sourced.Store implementation.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx   // pool, or an open Transaction's pgx.Tx
	tx   pgx.Tx // non-nil iff this Store is scoped to an open Transaction

	codec        sourced.Codec
	keyExtractor sourced.KeyExtractor
	now          func() time.Time
}

// Option customizes a Store at construction.
type Option func(*Store)

// WithCodec overrides the default JSONCodec used to (de)serialize
// payloads to and from the JSONB payload column.
func WithCodec(c sourced.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithKeyExtractor overrides the default reflect-based key extraction.
func WithKeyExtractor(ke sourced.KeyExtractor) Option {
	return func(s *Store) { s.keyExtractor = ke }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an existing pgxpool.Pool as a sourced.Store. Callers are
// responsible for applying schema.sql to the pool's database beforehand.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, db: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = sourced.NewJSONCodec()
	}
	return s
}

type messageRow struct {
	Position      int64     `db:"position"`
	ID            string    `db:"id"`
	Type          string    `db:"type"`
	StreamID      *string   `db:"stream_id"`
	Seq           int64     `db:"seq"`
	CausationID   *string   `db:"causation_id"`
	CorrelationID *string   `db:"correlation_id"`
	Payload       []byte    `db:"payload"`
	Metadata      []byte    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
}

func (s *Store) toMessage(row messageRow) (sourced.Message, error) {
	payload, err := s.codec.Decode(row.Type, row.Payload)
	if err != nil {
		return sourced.Message{}, err
	}
	var metadata map[string]any
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return sourced.Message{}, &sourced.InvalidMessageError{Type: row.Type, Reason: err.Error()}
		}
	}
	msg := sourced.Message{
		ID:        row.ID,
		Type:      row.Type,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: row.CreatedAt,
		Position:  row.Position,
		Seq:       row.Seq,
	}
	if row.StreamID != nil {
		msg.StreamID = *row.StreamID
	}
	if row.CausationID != nil {
		msg.CausationID = *row.CausationID
	}
	if row.CorrelationID != nil {
		msg.CorrelationID = *row.CorrelationID
	}
	return msg, nil
}

// Transaction implements sourced.Store.Transaction: fn runs against a
// Store scoped to one pgx.Tx, committed if fn returns nil and rolled back
// (discarding every Append/Ack/Release/etc. fn made) otherwise, so
// Router.commit can make a whole batch's actions plus its final ack
// atomic per spec.md §4.5 step 4. A Store already scoped to an open
// Transaction runs fn directly against its own tx instead of nesting a
// second one, so a reactor calling Transaction from inside Transaction
// still sees one atomic unit of work.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx sourced.Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return sourced.NewBackendError("transaction_begin", err)
	}
	defer pgTx.Rollback(ctx)

	scoped := &Store{pool: s.pool, db: pgTx, tx: pgTx, codec: s.codec, keyExtractor: s.keyExtractor, now: s.now}
	if err := fn(ctx, scoped); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return sourced.NewBackendError("transaction_commit", err)
	}
	return nil
}

// Append implements sourced.Store.Append. When called outside an open
// Transaction it wraps itself in one, same as before; inside a
// Transaction it runs against the ambient pgx.Tx so its writes commit or
// roll back with the rest of the batch.
func (s *Store) Append(ctx context.Context, messages []sourced.Message, guard *sourced.Guard) (int64, error) {
	if s.tx != nil {
		return s.appendWithDB(ctx, s.db, messages, guard)
	}
	var latest int64
	err := s.Transaction(ctx, func(ctx context.Context, tx sourced.Store) error {
		pos, err := tx.Append(ctx, messages, guard)
		latest = pos
		return err
	})
	return latest, err
}

func (s *Store) appendWithDB(ctx context.Context, db dbtx, messages []sourced.Message, guard *sourced.Guard) (int64, error) {
	if guard != nil {
		conflicts, err := s.messagesSinceTx(ctx, db, guard.Conditions, guard.LastPosition, 1)
		if err != nil {
			return 0, err
		}
		if len(conflicts) > 0 {
			return 0, &sourced.ConcurrentAppendError{Conflicts: len(conflicts)}
		}
	}

	var latest int64
	if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM messages`).Scan(&latest); err != nil {
		return 0, sourced.NewBackendError("append_latest", err)
	}

	if len(messages) == 0 {
		return latest, nil
	}

	types := make([]string, 0, len(messages))
	for i := range messages {
		payloadBytes, err := s.codec.Encode(messages[i].Payload)
		if err != nil {
			return 0, &sourced.InvalidMessageError{Type: messages[i].Type, Reason: err.Error()}
		}
		metadataBytes, err := json.Marshal(messages[i].Metadata)
		if err != nil {
			return 0, &sourced.InvalidMessageError{Type: messages[i].Type, Reason: err.Error()}
		}
		createdAt := messages[i].CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now().UTC()
		}

		var position int64
		var streamID any
		if messages[i].StreamID != "" {
			streamID = messages[i].StreamID
		}
		err = db.QueryRow(ctx, `
			INSERT INTO messages (id, type, stream_id, seq, causation_id, correlation_id, payload, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING position`,
			messages[i].ID, messages[i].Type, streamID, messages[i].Seq,
			nullableString(messages[i].CausationID), nullableString(messages[i].CorrelationID),
			payloadBytes, metadataBytes, createdAt,
		).Scan(&position)
		if err != nil {
			return 0, sourced.NewBackendError("append_insert_message", err)
		}
		messages[i].Position = position
		messages[i].CreatedAt = createdAt

		pairs := sourced.ExtractPairs(s.keyExtractor, messages[i].Payload)
		for _, p := range pairs {
			var keyPairID int64
			err := db.QueryRow(ctx, `
				INSERT INTO key_pairs (name, value) VALUES ($1, $2)
				ON CONFLICT (name, value) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, p.Name, p.Value).Scan(&keyPairID)
			if err != nil {
				return 0, sourced.NewBackendError("append_upsert_key_pair", err)
			}
			if _, err := db.Exec(ctx, `
				INSERT INTO message_key_pairs (message_position, key_pair_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, position, keyPairID); err != nil {
				return 0, sourced.NewBackendError("append_link_key_pair", err)
			}
		}

		if position > latest {
			latest = position
		}
		types = append(types, messages[i].Type)
	}

	// pg_notify queued here is delivered only once this call's transaction
	// commits, so a batch's listeners never see a type from a pair that
	// later rolled back.
	_ = Notify(ctx, db, sourced.ChannelMessagesAppended, sourced.DedupeTypes(types))

	return latest, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// conditionWhere renders conditions as a SQL fragment matching
// sourced.Condition's disjunction-of-(type,key,value) semantics, joined
// against message_key_pairs/key_pairs when a condition names a key.
func conditionWhere(conditions []sourced.Condition, paramOffset int) (string, []any) {
	if len(conditions) == 0 {
		return "TRUE", nil
	}
	var parts []string
	var args []any
	n := paramOffset
	for _, c := range conditions {
		switch {
		case c.KeyName == "" && c.MessageType != "":
			n++
			parts = append(parts, fmt.Sprintf("m.type = $%d", n))
			args = append(args, c.MessageType)
		case c.KeyName != "":
			clause := "EXISTS (SELECT 1 FROM message_key_pairs mkp JOIN key_pairs kp ON kp.id = mkp.key_pair_id WHERE mkp.message_position = m.position"
			if c.MessageType != "" {
				n++
				clause += fmt.Sprintf(" AND m.type = $%d", n)
				args = append(args, c.MessageType)
			}
			n++
			clause += fmt.Sprintf(" AND kp.name = $%d", n)
			args = append(args, c.KeyName)
			n++
			clause += fmt.Sprintf(" AND kp.value = $%d)", n)
			args = append(args, c.KeyValue)
			parts = append(parts, clause)
		default:
			parts = append(parts, "TRUE")
		}
	}
	where := parts[0]
	for _, p := range parts[1:] {
		where += " OR " + p
	}
	return "(" + where + ")", args
}

// Read implements sourced.Store.Read.
func (s *Store) Read(ctx context.Context, conditions []sourced.Condition, fromPosition int64, limit int) (sourced.ReadResult, error) {
	where, args := conditionWhere(conditions, 1)
	args = append([]any{fromPosition}, args...)
	query := fmt.Sprintf(`
		SELECT m.position, m.id, m.type, m.stream_id, m.seq, m.causation_id, m.correlation_id,
		       m.payload, m.metadata, m.created_at
		FROM messages m
		WHERE m.position > $1 AND m.created_at <= now() AND %s
		ORDER BY m.position ASC`, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []messageRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return sourced.ReadResult{}, sourced.NewBackendError("read", err)
	}

	messages := make([]sourced.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := s.toMessage(r)
		if err != nil {
			return sourced.ReadResult{}, err
		}
		messages = append(messages, msg)
	}

	guard := sourced.Guard{Conditions: conditions, LastPosition: fromPosition}
	if len(messages) > 0 {
		guard.LastPosition = messages[len(messages)-1].Position
	} else {
		var latest int64
		if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM messages`).Scan(&latest); err != nil {
			return sourced.ReadResult{}, sourced.NewBackendError("read_latest", err)
		}
		if latest > guard.LastPosition {
			guard.LastPosition = latest
		}
	}

	return sourced.ReadResult{Messages: messages, Guard: guard}, nil
}

// MessagesSince implements sourced.Store.MessagesSince.
func (s *Store) MessagesSince(ctx context.Context, conditions []sourced.Condition, position int64) ([]sourced.Message, error) {
	return s.messagesSinceTx(ctx, s.db, conditions, position, 0)
}

func (s *Store) messagesSinceTx(ctx context.Context, q dbtx, conditions []sourced.Condition, position int64, limit int) ([]sourced.Message, error) {
	where, args := conditionWhere(conditions, 1)
	args = append([]any{position}, args...)
	query := fmt.Sprintf(`
		SELECT m.position, m.id, m.type, m.stream_id, m.seq, m.causation_id, m.correlation_id,
		       m.payload, m.metadata, m.created_at
		FROM messages m
		WHERE m.position > $1 AND m.created_at <= now() AND %s
		ORDER BY m.position ASC`, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []messageRow
	if err := pgxscan.Select(ctx, q, &rows, query, args...); err != nil {
		return nil, sourced.NewBackendError("messages_since", err)
	}
	out := make([]sourced.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := s.toMessage(r)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

type offsetRow struct {
	ID             string    `db:"id"`
	GroupID        string    `db:"group_id"`
	PartitionKey   string    `db:"partition_key"`
	PartitionValue []byte    `db:"partition_value"`
	LastPosition   int64     `db:"last_position"`
	Claimed        bool      `db:"claimed"`
	ClaimedBy      *string   `db:"claimed_by"`
	ClaimedAt      *time.Time `db:"claimed_at"`
}

func (r offsetRow) toOffset() (sourced.Offset, error) {
	var pv sourced.PartitionValue
	if err := json.Unmarshal(r.PartitionValue, &pv); err != nil {
		return sourced.Offset{}, sourced.NewBackendError("decode_partition_value", err)
	}
	off := sourced.Offset{
		ID:             r.ID,
		GroupID:        r.GroupID,
		PartitionKey:   r.PartitionKey,
		PartitionValue: pv,
		LastPosition:   r.LastPosition,
		Claimed:        r.Claimed,
	}
	if r.ClaimedBy != nil {
		off.ClaimedBy = *r.ClaimedBy
	}
	if r.ClaimedAt != nil {
		nanos := r.ClaimedAt.UnixNano()
		off.ClaimedAt = &nanos
	}
	return off, nil
}

// ClaimNext implements sourced.Store.ClaimNext via spec.md §4.1's
// bootstrap → FOR UPDATE SKIP LOCKED scan → compare-and-set UPDATE
// sequence, all inside one transaction.
func (s *Store) ClaimNext(ctx context.Context, groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor, workerID string, batchSize int) (*sourced.Claim, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, sourced.NewBackendError("claim_begin", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var retryAt *time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO consumer_groups (group_id) VALUES ($1)
		ON CONFLICT (group_id) DO UPDATE SET group_id = EXCLUDED.group_id
		RETURNING status, retry_at`, groupID).Scan(&status, &retryAt)
	if err != nil {
		return nil, sourced.NewBackendError("claim_ensure_group", err)
	}
	if status == string(sourced.GroupStopped) {
		return nil, nil
	}
	if retryAt != nil && retryAt.After(s.now()) {
		return nil, nil
	}

	if err := s.bootstrapPartitionsTx(ctx, tx, groupID, partitionAttrs, handled); err != nil {
		return nil, err
	}

	typeNames := make([]string, len(handled))
	for i, md := range handled {
		typeNames[i] = md.Type
	}

	var candidate offsetRow
	err = tx.QueryRow(ctx, `
		SELECT o.id, o.group_id, o.partition_key, o.partition_value, o.last_position, o.claimed, o.claimed_by, o.claimed_at
		FROM offsets o
		WHERE o.group_id = $1
		  AND o.claimed = false
		  AND EXISTS (
		      SELECT 1 FROM messages m
		      WHERE m.type = ANY($2)
		        AND m.created_at <= now()
		        AND m.position > o.last_position
		  )
		ORDER BY (
		    SELECT MIN(m.position) FROM messages m
		    WHERE m.type = ANY($2)
		      AND m.created_at <= now()
		      AND m.position > o.last_position
		) ASC
		FOR UPDATE OF o SKIP LOCKED
		LIMIT 1`, groupID, typeNames).Scan(
		&candidate.ID, &candidate.GroupID, &candidate.PartitionKey, &candidate.PartitionValue,
		&candidate.LastPosition, &candidate.Claimed, &candidate.ClaimedBy, &candidate.ClaimedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sourced.NewBackendError("claim_select_candidate", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE offsets SET claimed = true, claimed_by = $1, claimed_at = now()
		WHERE id = $2 AND claimed = false`, workerID, candidate.ID); err != nil {
		return nil, sourced.NewBackendError("claim_update", err)
	}

	offset, err := candidate.toOffset()
	if err != nil {
		return nil, err
	}

	pending, err := s.pendingForPartitionTx(ctx, tx, offset, handled, batchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	guardConds := guardConditionsForDescriptors(offset.PartitionValue, handled)
	maxPos, err := s.maxPositionMatchingTx(ctx, tx, guardConds)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, sourced.NewBackendError("claim_commit", err)
	}

	return &sourced.Claim{
		OffsetID:       offset.ID,
		GroupID:        groupID,
		PartitionKey:   offset.PartitionKey,
		PartitionValue: offset.PartitionValue,
		Messages:       pending,
		Replaying:      pending[len(pending)-1].Position < maxPos,
		Guard:          sourced.NewGuard(guardConds, pending[len(pending)-1].Position),
	}, nil
}

func (s *Store) pendingForPartitionTx(ctx context.Context, tx pgx.Tx, offset sourced.Offset, handled []sourced.MessageDescriptor, batchSize int) ([]sourced.Message, error) {
	typeNames := make([]string, len(handled))
	for i, md := range handled {
		typeNames[i] = md.Type
	}

	var rows []messageRow
	err := pgxscan.Select(ctx, tx, &rows, `
		SELECT m.position, m.id, m.type, m.stream_id, m.seq, m.causation_id, m.correlation_id,
		       m.payload, m.metadata, m.created_at
		FROM messages m
		WHERE m.type = ANY($1) AND m.position > $2 AND m.created_at <= now()
		ORDER BY m.position ASC
		LIMIT $3`, typeNames, offset.LastPosition, batchSize*4) // over-fetch, filter partition below
	if err != nil {
		return nil, sourced.NewBackendError("claim_pending_fetch", err)
	}

	out := make([]sourced.Message, 0, batchSize)
	for _, r := range rows {
		msg, err := s.toMessage(r)
		if err != nil {
			return nil, err
		}
		pairs := sourced.ExtractPairs(s.keyExtractor, msg.Payload)
		attrs := make(map[string]string, len(pairs))
		for _, p := range pairs {
			attrs[p.Name] = p.Value
		}
		if !messageMatchesPartition(msg.Type, attrs, handled, offset.PartitionValue) {
			continue
		}
		out = append(out, msg)
		if len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func messageMatchesPartition(msgType string, attrs map[string]string, handled []sourced.MessageDescriptor, partition sourced.PartitionValue) bool {
	for _, md := range handled {
		if md.Type != msgType {
			continue
		}
		for _, attr := range md.PartitionAttrs {
			want, ok := partition[attr]
			if !ok {
				return false
			}
			if attrs[attr] != want {
				return false
			}
		}
		return true
	}
	return false
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

func (s *Store) maxPositionMatchingTx(ctx context.Context, tx pgx.Tx, conditions []sourced.Condition) (int64, error) {
	where, args := conditionWhere(conditions, 0)
	var max int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(m.position), 0) FROM messages m WHERE %s AND m.created_at <= now()`, where)
	if err := tx.QueryRow(ctx, query, args...).Scan(&max); err != nil {
		return 0, sourced.NewBackendError("claim_max_position", err)
	}
	return max, nil
}

// bootstrapPartitionsTx inserts an offset row (last_position=0) for every
// partition newly visible to groupID, per spec.md §4.1 step 1: a message
// whose type is handled and whose extracted keys cover every
// partitionAttrs name.
func (s *Store) bootstrapPartitionsTx(ctx context.Context, tx pgx.Tx, groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor) error {
	if len(partitionAttrs) == 0 {
		return nil
	}
	typeNames := make([]string, len(handled))
	for i, md := range handled {
		typeNames[i] = md.Type
	}

	var rows []messageRow
	err := pgxscan.Select(ctx, tx, &rows, `
		SELECT m.position, m.id, m.type, m.stream_id, m.seq, m.causation_id, m.correlation_id,
		       m.payload, m.metadata, m.created_at
		FROM messages m
		WHERE m.type = ANY($1)`, typeNames)
	if err != nil {
		return sourced.NewBackendError("bootstrap_fetch_messages", err)
	}

	seen := map[string]bool{}
	for _, r := range rows {
		msg, err := s.toMessage(r)
		if err != nil {
			return err
		}
		pairs := sourced.ExtractPairs(s.keyExtractor, msg.Payload)
		attrs := make(map[string]string, len(pairs))
		for _, p := range pairs {
			attrs[p.Name] = p.Value
		}

		partition := sourced.PartitionValue{}
		visible := true
		for _, attr := range partitionAttrs {
			v, ok := attrs[attr]
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
		if seen[partitionKey] {
			continue
		}
		seen[partitionKey] = true

		partitionValueJSON, err := json.Marshal(partition)
		if err != nil {
			return sourced.NewBackendError("bootstrap_marshal_partition", err)
		}

		id := uuid.New().String()
		if _, err := tx.Exec(ctx, `
			INSERT INTO offsets (id, group_id, partition_key, partition_value, last_position)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (group_id, partition_key) DO NOTHING`,
			id, groupID, partitionKey, partitionValueJSON); err != nil {
			return sourced.NewBackendError("bootstrap_insert_offset", err)
		}
	}
	return nil
}

// Ack implements sourced.Store.Ack. Run from inside a Transaction
// callback it executes against that transaction's pgx.Tx, so the final
// ack of a batch commits or rolls back with every action that preceded
// it.
func (s *Store) Ack(ctx context.Context, groupID, offsetID string, position int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE offsets SET last_position = $1, claimed = false, claimed_by = NULL, claimed_at = NULL
		WHERE id = $2 AND group_id = $3`, position, offsetID, groupID)
	if err != nil {
		return sourced.NewBackendError("ack", err)
	}
	return nil
}

// Release implements sourced.Store.Release.
func (s *Store) Release(ctx context.Context, groupID, offsetID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE offsets SET claimed = false, claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND group_id = $2`, offsetID, groupID)
	if err != nil {
		return sourced.NewBackendError("release", err)
	}
	return nil
}

// RegisterConsumerGroup implements sourced.Store.RegisterConsumerGroup.
func (s *Store) RegisterConsumerGroup(ctx context.Context, groupID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO consumer_groups (group_id) VALUES ($1)
		ON CONFLICT (group_id) DO NOTHING`, groupID)
	if err != nil {
		return sourced.NewBackendError("register_consumer_group", err)
	}
	return nil
}

// StartConsumerGroup implements sourced.Store.StartConsumerGroup.
func (s *Store) StartConsumerGroup(ctx context.Context, groupID string) error {
	var wasStopped bool
	err := s.db.QueryRow(ctx, `
		WITH prev AS (
		    SELECT status FROM consumer_groups WHERE group_id = $1
		)
		INSERT INTO consumer_groups (group_id, status) VALUES ($1, 'active')
		ON CONFLICT (group_id) DO UPDATE
		  SET status = 'active', retry_at = NULL, updated_at = now()
		RETURNING COALESCE((SELECT status FROM prev) = 'stopped', false)`, groupID).Scan(&wasStopped)
	if err != nil {
		return sourced.NewBackendError("start_consumer_group", err)
	}
	if wasStopped {
		_ = Notify(ctx, s.db, sourced.ChannelReactorResumed, groupID)
	}
	return nil
}

// StopConsumerGroup implements sourced.Store.StopConsumerGroup.
func (s *Store) StopConsumerGroup(ctx context.Context, groupID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO consumer_groups (group_id, status) VALUES ($1, 'stopped')
		ON CONFLICT (group_id) DO UPDATE SET status = 'stopped', updated_at = now()`, groupID)
	if err != nil {
		return sourced.NewBackendError("stop_consumer_group", err)
	}
	return nil
}

// ResetConsumerGroup implements sourced.Store.ResetConsumerGroup.
func (s *Store) ResetConsumerGroup(ctx context.Context, groupID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM offsets WHERE group_id = $1`, groupID)
	if err != nil {
		return sourced.NewBackendError("reset_consumer_group", err)
	}
	return nil
}

// SetGroupError implements sourced.Store.SetGroupError.
func (s *Store) SetGroupError(ctx context.Context, groupID string, errContext map[string]any, retryAt *int64) error {
	errJSON, err := json.Marshal(errContext)
	if err != nil {
		return sourced.NewBackendError("set_group_error_marshal", err)
	}
	var retryTime *time.Time
	if retryAt != nil {
		t := time.Unix(0, *retryAt)
		retryTime = &t
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO consumer_groups (group_id, error_context, retry_at) VALUES ($1, $2, $3)
		ON CONFLICT (group_id) DO UPDATE
		  SET error_context = $2, retry_at = $3, updated_at = now()`, groupID, errJSON, retryTime)
	if err != nil {
		return sourced.NewBackendError("set_group_error", err)
	}
	return nil
}

// WorkerHeartbeat implements sourced.Store.WorkerHeartbeat.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerIDs []string) error {
	if len(workerIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range workerIDs {
		batch.Queue(`
			INSERT INTO workers (worker_id, last_seen) VALUES ($1, now())
			ON CONFLICT (worker_id) DO UPDATE SET last_seen = now()`, id)
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range workerIDs {
		if _, err := br.Exec(); err != nil {
			return sourced.NewBackendError("worker_heartbeat", err)
		}
	}
	return nil
}

// ReleaseStaleClaims implements sourced.Store.ReleaseStaleClaims.
func (s *Store) ReleaseStaleClaims(ctx context.Context, ttlSeconds int) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE offsets SET claimed = false, claimed_by = NULL, claimed_at = NULL
		WHERE claimed = true AND claimed_by NOT IN (
		    SELECT worker_id FROM workers WHERE last_seen >= now() - ($1 || ' seconds')::interval
		)`, ttlSeconds)
	if err != nil {
		return 0, sourced.NewBackendError("release_stale_claims", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ sourced.Store = (*Store)(nil)
