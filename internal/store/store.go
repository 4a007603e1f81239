// Package db is the transactional, WAL-backed persistence layer for
// conversations, messages, sessions, events, and idempotency records.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gmhub/gm/internal/errs"
	"github.com/gmhub/gm/internal/id"
	"github.com/gmhub/gm/internal/msgcodec"
)

const idempotencyTTLSeconds = 24 * 60 * 60

// Store provides transactional CRUD over conversations, messages, sessions,
// idempotency records, and events.
type Store struct {
	db *sql.DB
	sf singleflight.Group

	tsMu sync.Mutex
	lastTimestamp map[string]int64 // conversationID -> last issued created_at (micros)
}

// NewStore wraps an already-open, already-migrated *sql.DB.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{
		db:            sqlDB,
		lastTimestamp: make(map[string]int64),
	}
}

// nextTimestamp returns a strictly-increasing (per conversation) unix
// microsecond timestamp, bumping by one tick if wall-clock hasn't advanced.
func (s *Store) nextTimestamp(conversationID string) int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	now := time.Now().UnixMicro()
	last := s.lastTimestamp[conversationID]
	if now <= last {
		now = last + 1
	}
	s.lastTimestamp[conversationID] = now
	return now
}

// CreateConversation creates a new conversation in status=active.
func (s *Store) CreateConversation(ctx context.Context, agentID string, title *string) (*Conversation, error) {
	if agentID == "" {
		return nil, errs.New(errs.Validation, false, "agentId must not be empty")
	}
	now := time.Now().UnixMicro()
	c := &Conversation{
		ID:        id.Generate(),
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    ConversationStatusActive,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, title, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.Title, c.CreatedAt, c.UpdatedAt, c.Status)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "insert conversation", err)
	}
	s.tsMu.Lock()
	s.lastTimestamp[c.ID] = now
	s.tsMu.Unlock()
	return c, nil
}

// GetConversation returns a conversation by id, excluding soft-deleted rows.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, title, created_at, updated_at, status, source, external_id, project_path
		FROM conversations WHERE id = ? AND status != ?`, conversationID, ConversationStatusDeleted)
	return scanConversation(row)
}

// ListConversations returns non-deleted conversations ordered by updatedAt descending.
func (s *Store) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, title, created_at, updated_at, status, source, external_id, project_path
		FROM conversations WHERE status != ? ORDER BY updated_at DESC`, ConversationStatusDeleted)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "list conversations", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversation applies patch fields, advances updatedAt, and emits
// conversation.updated.
func (s *Store) UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, agent_id, title, created_at, updated_at, status, source, external_id, project_path
		FROM conversations WHERE id = ? AND status != ?`, conversationID, ConversationStatusDeleted))
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		c.Title = patch.Title
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	c.UpdatedAt = s.nextTimestamp(conversationID)

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET title = ?, status = ?, updated_at = ? WHERE id = ?`,
		c.Title, c.Status, c.UpdatedAt, c.ID); err != nil {
		return nil, errs.Wrap(errs.Database, true, "update conversation", err)
	}

	if err := insertEvent(ctx, tx, &Event{
		ID:             id.Generate(),
		Type:           EventConversationUpdated,
		ConversationID: c.ID,
		CreatedAt:      c.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Database, true, "commit", err)
	}
	return c, nil
}

// DeleteConversation soft-deletes a conversation.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		ConversationStatusDeleted, s.nextTimestamp(conversationID), conversationID, ConversationStatusDeleted)
	if err != nil {
		return false, errs.Wrap(errs.Database, true, "delete conversation", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendMessage durably persists a message, deduplicating on idempotencyKey
// when present: an unexpired idempotency record returns its original
// message unchanged; otherwise the message row, its message.created event
// and (with a key) the idempotency record are written in one transaction.
// Concurrent calls with the same conversation and key share one insert.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role string, content []byte, idempotencyKey string) (*Message, error) {
	if idempotencyKey == "" {
		return s.appendMessageOnce(ctx, conversationID, role, content, "")
	}

	if existing, err := s.lookupIdempotent(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	sfKey := conversationID + "|" + idempotencyKey
	v, err, _ := s.sf.Do(sfKey, func() (any, error) {
		// Re-check inside the singleflight section: a concurrent caller
		// may have just committed the row while we waited for the lock.
		if existing, err := s.lookupIdempotent(ctx, idempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
		return s.appendMessageOnce(ctx, conversationID, role, content, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Message), nil
}

func (s *Store) lookupIdempotent(ctx context.Context, idempotencyKey string) (*Message, error) {
	var rec IdempotencyRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT key, message_id, created_at, ttl FROM idempotency_records WHERE key = ?`, idempotencyKey)
	if err := row.Scan(&rec.Key, &rec.MessageID, &rec.CreatedAt, &rec.TTL); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Database, true, "lookup idempotency record", err)
	}

	ageSeconds := (time.Now().UnixMicro() - rec.CreatedAt) / int64(time.Second/time.Microsecond)
	if ageSeconds > rec.TTL {
		return nil, nil // expired: treated as absent (cache miss)
	}

	return s.GetMessage(ctx, rec.MessageID)
}

func (s *Store) appendMessageOnce(ctx context.Context, conversationID, role string, content []byte, idempotencyKey string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, false, "conversation not found: "+conversationID)
		}
		return nil, errs.Wrap(errs.Database, true, "lookup conversation", err)
	}
	if status == ConversationStatusDeleted {
		return nil, errs.New(errs.NotFound, false, "conversation not found: "+conversationID)
	}

	compressed, compression := msgcodec.Compress(content)
	m := &Message{
		ID:                 id.Generate(),
		ConversationID:     conversationID,
		Role:               role,
		Content:            compressed,
		ContentCompression: compression,
		CreatedAt:          s.nextTimestamp(conversationID),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, content_compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, int(m.ContentCompression), m.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.Database, true, "insert message", err)
	}

	if err := insertEvent(ctx, tx, &Event{
		ID:             id.Generate(),
		Type:           EventMessageCreated,
		ConversationID: conversationID,
		MessageID:      &m.ID,
		CreatedAt:      m.CreatedAt,
	}); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_records (key, message_id, created_at, ttl) VALUES (?, ?, ?, ?)`,
			idempotencyKey, m.ID, m.CreatedAt, idempotencyTTLSeconds); err != nil {
			return nil, errs.Wrap(errs.Database, true, "insert idempotency record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Database, true, "commit", err)
	}

	// Return the uncompressed content to the caller: Store is the only
	// component that deals in the wire compression codec.
	out := *m
	out.Content = content
	out.ContentCompression = msgcodec.ContentCompressionNone
	return &out, nil
}

// GetMessage returns a message by id with content decompressed.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, content_compression, created_at
		FROM messages WHERE id = ?`, messageID)
	return scanMessage(row)
}

// ListMessages returns messages for a conversation, ordered ascending by
// (createdAt, id), optionally paginated.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, content_compression, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "list messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListEventsBySession returns the audit events recorded against a session,
// oldest first, for replaying session history to a reconnecting client.
func (s *Store) ListEventsBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, conversation_id, session_id, message_id, data, created_at
		FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "list events by session", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateSession creates a Session in status=pending.
func (s *Store) CreateSession(ctx context.Context, conversationID, userMessageID string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess := &Session{
		ID:             id.Generate(),
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		Status:         SessionStatusPending,
		StartedAt:      s.nextTimestamp(conversationID),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, user_message_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, sess.UserMessageID, sess.Status, sess.StartedAt); err != nil {
		return nil, errs.Wrap(errs.Database, true, "insert session", err)
	}

	if err := insertEvent(ctx, tx, &Event{
		ID:             id.Generate(),
		Type:           EventSessionCreated,
		ConversationID: conversationID,
		SessionID:      &sess.ID,
		CreatedAt:      sess.StartedAt,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Database, true, "commit", err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_message_id, status, started_at, completed_at,
			response_text, response_assistant_message_id, error
		FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// LatestSession returns the most recently started session for a
// conversation, or nil if none exists.
func (s *Store) LatestSession(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_message_id, status, started_at, completed_at,
			response_text, response_assistant_message_id, error
		FROM sessions WHERE conversation_id = ? ORDER BY started_at DESC LIMIT 1`, conversationID)
	sess, err := scanSession(row)
	if err != nil {
		if e, ok := errs.As(err); ok && e.Kind == errs.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// eventTypeForStatus maps a session status to its audit event type.
func eventTypeForStatus(status string) string {
	switch status {
	case SessionStatusProcessing:
		return EventSessionProcessing
	case SessionStatusCompleted:
		return EventSessionCompleted
	default:
		return EventSessionError
	}
}

// UpdateSession applies patch atomically: snapshot, mutate in memory,
// persist in a transaction, restore the snapshot on failure. Emits a
// session.* event in the same transaction as the row update.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_message_id, status, started_at, completed_at,
			response_text, response_assistant_message_id, error
		FROM sessions WHERE id = ?`, sessionID))
	if err != nil {
		return nil, err
	}

	snapshot := *sess // deep enough: Session holds only value/pointer-to-immutable fields

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		sess.CompletedAt = patch.CompletedAt
	}
	if patch.Response != nil {
		sess.Response = patch.Response
	}
	if patch.Error != nil {
		sess.Error = patch.Error
	}

	var respText, respMsgID sql.NullString
	if sess.Response != nil {
		respText = sql.NullString{String: sess.Response.Text, Valid: true}
		respMsgID = sql.NullString{String: sess.Response.AssistantMessageID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, response_text = ?,
			response_assistant_message_id = ?, error = ? WHERE id = ?`,
		sess.Status, sess.CompletedAt, respText, respMsgID, sess.Error, sess.ID); err != nil {
		*sess = snapshot
		return nil, errs.Wrap(errs.Database, true, "update session", err)
	}

	evtData := map[string]any{"status": sess.Status}
	if sess.Error != nil {
		evtData["error"] = *sess.Error
	}
	if err := insertEvent(ctx, tx, &Event{
		ID:             id.Generate(),
		Type:           eventTypeForStatus(sess.Status),
		ConversationID: sess.ConversationID,
		SessionID:      &sess.ID,
		Data:           evtData,
		CreatedAt:      s.nextTimestamp(sess.ConversationID),
	}); err != nil {
		*sess = snapshot
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		*sess = snapshot
		return nil, errs.Wrap(errs.Database, true, "commit", err)
	}
	return sess, nil
}

// AppendEvent appends an audit event outside of any larger transaction.
func (s *Store) AppendEvent(ctx context.Context, eventType string, data map[string]any, conversationID string, sessionID, messageID *string) (*Event, error) {
	e := &Event{
		ID:             id.Generate(),
		Type:           eventType,
		ConversationID: conversationID,
		SessionID:      sessionID,
		MessageID:      messageID,
		Data:           data,
		CreatedAt:      s.nextTimestamp(conversationID),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Database, true, "commit", err)
	}
	return e, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *Event) error {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.Database, false, "marshal event data", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, conversation_id, session_id, message_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.ConversationID, e.SessionID, e.MessageID, string(raw), e.CreatedAt); err != nil {
		return errs.Wrap(errs.Database, true, "insert event", err)
	}
	return nil
}

// ValidateIntegrity checks for orphaned messages, duplicate IDs, and
// dangling session references.
func (s *Store) ValidateIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{OK: true}

	checks := []struct {
		query string
		msg   string
	}{
		{
			`SELECT COUNT(*) FROM messages m LEFT JOIN conversations c ON m.conversation_id = c.id WHERE c.id IS NULL`,
			"orphaned messages referencing missing conversations",
		},
		{
			`SELECT COUNT(*) FROM sessions s LEFT JOIN conversations c ON s.conversation_id = c.id WHERE c.id IS NULL`,
			"sessions referencing missing conversations",
		},
		{
			`SELECT COUNT(*) FROM sessions s LEFT JOIN messages m ON s.user_message_id = m.id WHERE m.id IS NULL`,
			"sessions with dangling user_message_id",
		},
	}

	for _, c := range checks {
		var n int
		if err := s.db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, errs.Wrap(errs.Database, true, "integrity check", err)
		}
		if n > 0 {
			report.OK = false
			report.Violations = append(report.Violations, fmt.Sprintf("%s: %d", c.msg, n))
		}
	}

	return report, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.AgentID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.Status, &c.Source, &c.ExternalID, &c.ProjectPath)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, false, "conversation not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "scan conversation", err)
	}
	return c, nil
}

func scanMessage(row scanner) (*Message, error) {
	m := &Message{}
	var compression int
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &compression, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, false, "message not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "scan message", err)
	}
	plain, err := msgcodec.Decompress(m.Content, msgcodec.ContentCompression(compression))
	if err != nil {
		return nil, errs.Wrap(errs.Database, false, "decompress message content", err)
	}
	m.Content = plain
	m.ContentCompression = msgcodec.ContentCompressionNone
	return m, nil
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var completedAt sql.NullInt64
	var respText, respMsgID sql.NullString
	var errText sql.NullString
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.UserMessageID, &sess.Status, &sess.StartedAt,
		&completedAt, &respText, &respMsgID, &errText)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, false, "session not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "scan session", err)
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Int64
	}
	if respText.Valid {
		sess.Response = &SessionResponse{Text: respText.String, AssistantMessageID: respMsgID.String}
	}
	if errText.Valid {
		sess.Error = &errText.String
	}
	return sess, nil
}

func scanEvent(row scanner) (*Event, error) {
	e := &Event{}
	var sessionID, messageID sql.NullString
	var raw string
	err := row.Scan(&e.ID, &e.Type, &e.ConversationID, &sessionID, &messageID, &raw, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, false, "event not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, true, "scan event", err)
	}
	if sessionID.Valid {
		e.SessionID = &sessionID.String
	}
	if messageID.Valid {
		e.MessageID = &messageID.String
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
			return nil, errs.Wrap(errs.Database, false, "unmarshal event data", err)
		}
	}
	return e, nil
}
