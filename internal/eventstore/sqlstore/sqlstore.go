// Package sqlstore is a database/sql-backed eventstore.Store shared by
// the sqlite and postgres packages. Queries are written with `?`
// placeholders and rewritten to `$N` for postgres, the same dialect
// trick the session store in the example pack uses.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/pkg/types"
)

// Dialect abstracts the handful of places sqlite and postgres disagree:
// placeholder syntax and the full-text search predicate.
type Dialect interface {
	Name() string
	Rebind(query string) string
	// MatchClause returns a WHERE-fragment (with its own placeholder)
	// that performs a text search for column against the bound query arg,
	// plus the value to bind for that placeholder.
	MatchClause(column string) (clause string, bindValue func(query string) any)
	Schema() string
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func Open(db *sql.DB, dialect Dialect) (*Store, error) {
	if _, err := db.Exec(dialect.Schema()); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

var _ eventstore.Store = (*Store)(nil)

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

func (s *Store) CreateSession(ctx context.Context, sess types.Session) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, working_dir, model, root_event_id, head_event_id,
			parent_session_id, spawn_type, spawn_task, title, turn_count,
			total_input_tokens, total_output_tokens, cache_read_tokens,
			cache_creation_tokens, total_cost, created_at, last_activity_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.WorkingDir, sess.Model, sess.RootEventID, sess.HeadEventID,
		sess.ParentSessionID, string(sess.SpawnType), sess.SpawnTask, sess.Title, sess.TurnCount,
		sess.TotalInputTokens, sess.TotalOutputTokens, sess.CacheReadTokens,
		sess.CacheCreationTokens, sess.TotalCost, sess.CreatedAt, sess.LastActivityAt, sess.EndedAt)
	if err != nil {
		return coreerr.Wrap("storage_failure", coreerr.Storage, true, "creating session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, working_dir, model, root_event_id, head_event_id, parent_session_id,
			spawn_type, spawn_task, title, turn_count, total_input_tokens,
			total_output_tokens, cache_read_tokens, cache_creation_tokens, total_cost,
			created_at, last_activity_at, ended_at
		FROM sessions WHERE id = ?`), sessionID)

	var sess types.Session
	var spawnType string
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.WorkingDir, &sess.Model, &sess.RootEventID, &sess.HeadEventID,
		&sess.ParentSessionID, &spawnType, &sess.SpawnTask, &sess.Title, &sess.TurnCount,
		&sess.TotalInputTokens, &sess.TotalOutputTokens, &sess.CacheReadTokens,
		&sess.CacheCreationTokens, &sess.TotalCost, &sess.CreatedAt, &sess.LastActivityAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "reading session", err)
	}
	sess.SpawnType = types.SpawnType(spawnType)
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// Append implements spec.md §4.1's eight-step algorithm with the
// database transaction as the serialization point: the head-advance
// check and the insert happen inside one transaction, so two
// concurrent appends to the same session race at the database level
// rather than in-process.
func (s *Store) Append(ctx context.Context, in eventstore.AppendInput) (types.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "beginning transaction", err)
	}
	defer tx.Rollback()

	var headEventID, rootEventID string
	err = tx.QueryRowContext(ctx, s.q(`SELECT head_event_id, root_event_id FROM sessions WHERE id = ?`), in.SessionID).
		Scan(&headEventID, &rootEventID)
	if err == sql.ErrNoRows {
		return types.Event{}, coreerr.SessionNotFound(in.SessionID)
	}
	if err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "reading session head", err)
	}

	parentID := in.ParentID
	if parentID == "" {
		parentID = headEventID
	} else if parentID != headEventID {
		var parentSession string
		err := tx.QueryRowContext(ctx, s.q(`SELECT session_id FROM events WHERE id = ?`), parentID).Scan(&parentSession)
		if err == sql.ErrNoRows || (err == nil && parentSession != in.SessionID) {
			return types.Event{}, coreerr.ParentMismatch(parentID, in.SessionID)
		}
		if err != nil && err != sql.ErrNoRows {
			return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "validating parent", err)
		}
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT MAX(sequence) FROM events WHERE session_id = ?`), in.SessionID).Scan(&maxSeq); err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "reading max sequence", err)
	}
	nextSeq := maxSeq.Int64 + 1

	payload, err := eventstore.FilterPayload(in.Payload, func(content string) (string, error) {
		return s.storeBlobTx(ctx, tx, []byte(content), "text/plain")
	})
	if err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "filtering payload", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "marshaling payload", err)
	}

	id := eventstore.NewID()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO events (id, parent_id, session_id, workspace_id, sequence, timestamp, kind, payload, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, nullIfEmpty(parentID), in.SessionID, in.WorkspaceID, nextSeq, now, string(in.Kind), string(payloadJSON), in.RunID)
	if err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "inserting event", err)
	}

	if types.TextIndexable(in.Kind) {
		if err := s.indexTx(ctx, tx, id, payload); err != nil {
			return types.Event{}, err
		}
	}

	rootUpdate := ""
	if rootEventID == "" {
		rootUpdate = ", root_event_id = ?"
	}
	headUpdate := ""
	if parentID == headEventID {
		headUpdate = ", head_event_id = ?"
	}
	query := `UPDATE sessions SET last_activity_at = ?` + rootUpdate + headUpdate + ` WHERE id = ?`
	args := []any{now}
	if rootUpdate != "" {
		args = append(args, id)
	}
	if headUpdate != "" {
		args = append(args, id)
	}
	args = append(args, in.SessionID)
	if _, err := tx.ExecContext(ctx, s.q(query), args...); err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "advancing session", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "committing append", err)
	}

	return types.Event{
		ID: id, ParentID: parentID, SessionID: in.SessionID, WorkspaceID: in.WorkspaceID,
		Sequence: nextSeq, Timestamp: now, Kind: in.Kind, Payload: payload, RunID: in.RunID,
	}, nil
}

func (s *Store) indexTx(ctx context.Context, tx *sql.Tx, eventID string, payload types.Payload) error {
	var text strings.Builder
	for _, key := range []string{"message", "text", "error_message", "content", "contentPreview"} {
		if v, ok := payload[key]; ok {
			if str, ok := v.(string); ok {
				text.WriteString(str)
				text.WriteByte(' ')
			}
		}
	}
	if text.Len() == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO event_search (event_id, body) VALUES (?, ?)`), eventID, text.String())
	if err != nil {
		return coreerr.Wrap("storage_failure", coreerr.Storage, true, "indexing event", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) storeBlobTx(ctx context.Context, tx *sql.Tx, data []byte, contentType string) (string, error) {
	hash := eventstore.HashContent(data)
	var existing string
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM blobs WHERE content_hash = ?`), hash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("checking blob hash: %w", err)
	}
	id := eventstore.NewID()
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO blobs (id, content_hash, content_type, data, created_at) VALUES (?, ?, ?, ?, ?)`),
		id, hash, contentType, data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("inserting blob: %w", err)
	}
	return id, nil
}

func (s *Store) StoreBlob(ctx context.Context, contentType string, data []byte) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", coreerr.Wrap("storage_failure", coreerr.Storage, true, "beginning transaction", err)
	}
	defer tx.Rollback()
	id, err := s.storeBlobTx(ctx, tx, data, contentType)
	if err != nil {
		return "", coreerr.Wrap("storage_failure", coreerr.Storage, true, "storing blob", err)
	}
	return id, tx.Commit()
}

func (s *Store) GetBlob(ctx context.Context, blobID string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data, content_type FROM blobs WHERE id = ?`), blobID).Scan(&data, &contentType)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", coreerr.Wrap("storage_failure", coreerr.Storage, true, "reading blob", err)
	}
	return data, contentType, nil
}

func (s *Store) scanEvents(rows *sql.Rows) ([]types.Event, error) {
	defer rows.Close()
	var out []types.Event
	for rows.Next() {
		var e types.Event
		var parentID sql.NullString
		var kind, payloadJSON string
		if err := rows.Scan(&e.ID, &parentID, &e.SessionID, &e.WorkspaceID, &e.Sequence, &e.Timestamp, &kind, &payloadJSON, &e.RunID); err != nil {
			return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "scanning event", err)
		}
		e.ParentID = parentID.String
		e.Kind = types.Kind(kind)
		var p types.Payload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "unmarshaling payload", err)
		}
		e.Payload = p
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]types.Event, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, coreerr.SessionNotFound(sessionID)
	}
	if sess.HeadEventID == "" {
		return nil, nil
	}
	return s.GetAncestors(ctx, sess.HeadEventID)
}

func (s *Store) GetChildren(ctx context.Context, eventID string) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, parent_id, session_id, workspace_id, sequence, timestamp, kind, payload, run_id
		FROM events WHERE parent_id = ? ORDER BY sequence ASC`), eventID)
	if err != nil {
		return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "querying children", err)
	}
	return s.scanEvents(rows)
}

func (s *Store) GetAncestors(ctx context.Context, eventID string) ([]types.Event, error) {
	var chain []types.Event
	cur := eventID
	for cur != "" {
		row := s.db.QueryRowContext(ctx, s.q(`
			SELECT id, parent_id, session_id, workspace_id, sequence, timestamp, kind, payload, run_id
			FROM events WHERE id = ?`), cur)
		var e types.Event
		var parentID sql.NullString
		var kind, payloadJSON string
		if err := row.Scan(&e.ID, &parentID, &e.SessionID, &e.WorkspaceID, &e.Sequence, &e.Timestamp, &kind, &payloadJSON, &e.RunID); err != nil {
			if err == sql.ErrNoRows {
				return nil, coreerr.EventNotFound(cur)
			}
			return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "reading ancestor", err)
		}
		e.ParentID = parentID.String
		e.Kind = types.Kind(kind)
		var p types.Payload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "unmarshaling payload", err)
		}
		e.Payload = p
		chain = append(chain, e)
		cur = e.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *Store) Search(ctx context.Context, query string, filters types.SearchFilters) ([]types.SearchResult, error) {
	clause, bindValue := s.dialect.MatchClause("es.body")
	sqlQuery := fmt.Sprintf(`
		SELECT e.id, e.parent_id, e.session_id, e.workspace_id, e.sequence, e.timestamp, e.kind, e.payload, e.run_id
		FROM events e JOIN event_search es ON es.event_id = e.id
		WHERE %s`, clause)
	args := []any{bindValue(query)}

	if filters.SessionID != "" {
		sqlQuery += " AND e.session_id = ?"
		args = append(args, filters.SessionID)
	}
	if filters.WorkspaceID != "" {
		sqlQuery += " AND e.workspace_id = ?"
		args = append(args, filters.WorkspaceID)
	}
	if len(filters.Kinds) > 0 {
		placeholders := make([]string, len(filters.Kinds))
		for i, k := range filters.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		sqlQuery += " AND e.kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	sqlQuery += " ORDER BY e.timestamp DESC"
	if filters.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(sqlQuery), args...)
	if err != nil {
		return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "searching", err)
	}
	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}

	out := make([]types.SearchResult, 0, len(events))
	for _, e := range events {
		out = append(out, types.SearchResult{Event: e, Snippet: eventstore.Summary(e.Kind, e.Payload), Relevance: 1.0})
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (types.Event, error) {
	return s.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID,
		Kind:      types.KindMessageDel,
		Payload:   types.Payload{"targetEventId": targetEventID, "reason": reason},
	})
}

func (s *Store) UpdateSessionSpawnInfo(ctx context.Context, sessionID, parentSessionID string, spawnType types.SpawnType, spawnTask string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET parent_session_id = ?, spawn_type = ?, spawn_task = ? WHERE id = ?`),
		parentSessionID, string(spawnType), spawnTask, sessionID)
	return s.checkRowsAffected(res, err, sessionID)
}

func (s *Store) UpdateLatestModel(ctx context.Context, sessionID, model string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET model = ? WHERE id = ?`), model, sessionID)
	return s.checkRowsAffected(res, err, sessionID)
}

func (s *Store) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET title = ? WHERE id = ?`), title, sessionID)
	return s.checkRowsAffected(res, err, sessionID)
}

func (s *Store) UpdateSessionStats(ctx context.Context, sessionID string, turnDelta int, tokens types.RawTokenUsage, cost float64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sessions SET
			turn_count = turn_count + ?,
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			total_cost = total_cost + ?,
			last_activity_at = ?
		WHERE id = ?`),
		turnDelta, tokens.InputTokens, tokens.OutputTokens, tokens.CacheReadTokens,
		tokens.CacheCreationTokens, cost, time.Now().UTC(), sessionID)
	return s.checkRowsAffected(res, err, sessionID)
}

func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if _, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID, Kind: types.KindSessionEnd, Payload: types.Payload{"reason": reason},
	}); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET ended_at = ? WHERE id = ?`), time.Now().UTC(), sessionID)
	return s.checkRowsAffected(res, err, sessionID)
}

func (s *Store) checkRowsAffected(res sql.Result, err error, sessionID string) error {
	if err != nil {
		return coreerr.Wrap("storage_failure", coreerr.Storage, true, "updating session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coreerr.Wrap("storage_failure", coreerr.Storage, true, "checking rows affected", err)
	}
	if n == 0 {
		return coreerr.SessionNotFound(sessionID)
	}
	return nil
}

func (s *Store) Fork(ctx context.Context, sourceSessionID, sourceEventID, newSessionID, name string) (types.Session, error) {
	var eventSession string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT session_id FROM events WHERE id = ?`), sourceEventID).Scan(&eventSession)
	if err == sql.ErrNoRows || (err == nil && eventSession != sourceSessionID) {
		return types.Session{}, coreerr.EventNotFound(sourceEventID)
	}
	if err != nil && err != sql.ErrNoRows {
		return types.Session{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "validating fork source", err)
	}

	now := time.Now().UTC()
	if err := s.CreateSession(ctx, types.Session{
		ID: newSessionID, ParentSessionID: sourceSessionID, SpawnType: types.SpawnFork,
		CreatedAt: now, LastActivityAt: now,
	}); err != nil {
		return types.Session{}, err
	}

	root, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: newSessionID,
		Kind:      types.KindSessionFork,
		Payload: types.Payload{
			"sourceSessionId": sourceSessionID,
			"sourceEventId":   sourceEventID,
			"name":            name,
		},
	})
	if err != nil {
		return types.Session{}, err
	}

	sess, err := s.GetSession(ctx, newSessionID)
	if err != nil {
		return types.Session{}, err
	}
	_ = root
	return *sess, nil
}

func (s *Store) Tree(ctx context.Context, sessionID string) ([]types.TreeNode, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, coreerr.SessionNotFound(sessionID)
	}
	if sess.RootEventID == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, parent_id, session_id, workspace_id, sequence, timestamp, kind, payload, run_id
		FROM events WHERE session_id = ? ORDER BY sequence ASC`), sessionID)
	if err != nil {
		return nil, coreerr.Wrap("storage_failure", coreerr.Storage, true, "reading session events", err)
	}
	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}

	childCount := map[string]int{}
	for _, e := range events {
		if e.ParentID != "" {
			childCount[e.ParentID]++
		}
	}
	depth := map[string]int{}
	var nodes []types.TreeNode
	for _, e := range events {
		d := 0
		if e.ParentID != "" {
			d = depth[e.ParentID] + 1
		}
		depth[e.ID] = d
		nodes = append(nodes, types.TreeNode{
			ID: e.ID, ParentID: e.ParentID, Kind: e.Kind, Timestamp: e.Timestamp,
			Summary: eventstore.Summary(e.Kind, e.Payload), HasChildren: childCount[e.ID] > 0,
			ChildCount: childCount[e.ID], Depth: d, IsBranchPoint: childCount[e.ID] > 1,
			IsHead: e.ID == sess.HeadEventID,
		})
	}
	return nodes, nil
}

func (s *Store) Close() error { return s.db.Close() }
