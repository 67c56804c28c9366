package sessions

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/nexus/pkg/models"
)

// SQLPartStore is the durable, Postgres/CockroachDB-backed implementation
// of the engine's message-part repository: the same surface MemoryPartStore
// offers (parts, sequenced messages, boundary-aware queries), persisted
// through database/sql.
type SQLPartStore struct {
	db *sql.DB
}

// NewSQLPartStore opens a store over dsn (a lib/pq connection string).
func NewSQLPartStore(dsn string) (*SQLPartStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open part store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping part store: %w", err)
	}
	return &SQLPartStore{db: db}, nil
}

// NewSQLPartStoreWithDB wraps an existing connection, used by tests.
func NewSQLPartStoreWithDB(db *sql.DB) *SQLPartStore {
	return &SQLPartStore{db: db}
}

// Close releases the underlying connection pool.
func (s *SQLPartStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the part and message tables if they do not exist.
func (s *SQLPartStore) InitSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS message_parts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	text_content TEXT NOT NULL DEFAULT '',
	call_id TEXT NOT NULL DEFAULT '',
	tool_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	input TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	is_pruned BOOLEAN NOT NULL DEFAULT FALSE,
	spill_path TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	compacted_message_count INT NOT NULL DEFAULT 0,
	compacted_token_count INT NOT NULL DEFAULT 0,
	compacted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	order_index SERIAL
);
CREATE INDEX IF NOT EXISTS idx_parts_session ON message_parts (session_id, order_index);
CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	is_compacted BOOLEAN NOT NULL DEFAULT FALSE,
	sequence BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages (session_id, sequence);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init part store schema: %w", err)
	}
	return nil
}

const partColumns = `id, message_id, kind, role, text_content, call_id, tool_name, status,
	input, output, is_pruned, spill_path, summary, compacted_message_count,
	compacted_token_count, compacted_at, created_at, updated_at`

// LoadParts returns every part committed for sessionID, oldest first.
func (s *SQLPartStore) LoadParts(ctx context.Context, sessionID string) []models.MessagePart {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partColumns+` FROM message_parts WHERE session_id = $1 ORDER BY order_index ASC`,
		sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var parts []models.MessagePart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return parts
		}
		parts = append(parts, p)
	}
	return parts
}

func scanPart(rows *sql.Rows) (models.MessagePart, error) {
	var p models.MessagePart
	var compactedAt sql.NullTime
	err := rows.Scan(&p.ID, &p.MessageID, &p.Kind, &p.Role, &p.Text, &p.CallID, &p.ToolName,
		&p.Status, &p.Input, &p.Output, &p.IsPruned, &p.SpillPath, &p.Summary,
		&p.CompactedMessageCount, &p.CompactedTokenCount, &compactedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.MessagePart{}, err
	}
	if compactedAt.Valid {
		t := compactedAt.Time
		p.CompactedAt = &t
	}
	return p, nil
}

// AppendPart commits part to sessionID's history.
func (s *SQLPartStore) AppendPart(ctx context.Context, sessionID string, part models.MessagePart) error {
	var compactedAt sql.NullTime
	if part.CompactedAt != nil {
		compactedAt = sql.NullTime{Time: *part.CompactedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_parts (id, session_id, message_id, kind, role, text_content,
			call_id, tool_name, status, input, output, is_pruned, spill_path, summary,
			compacted_message_count, compacted_token_count, compacted_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		part.ID, sessionID, part.MessageID, part.Kind, part.Role, part.Text,
		part.CallID, part.ToolName, part.Status, part.Input, part.Output, part.IsPruned,
		part.SpillPath, part.Summary, part.CompactedMessageCount, part.CompactedTokenCount,
		compactedAt, part.CreatedAt, part.UpdatedAt)
	if err != nil {
		return fmt.Errorf("append part: %w", err)
	}
	return nil
}

// AppendMessage commits msg with the next sequence number for the session.
func (s *SQLPartStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (id, session_id, role, content, is_compacted, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_messages WHERE session_id = $2),
			$6)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.IsCompacted, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LoadMessages returns sessionID's active (non-compacted) messages,
// oldest first — the list_active_by_session query.
func (s *SQLPartStore) LoadMessages(ctx context.Context, sessionID string) []*models.Message {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, is_compacted, sequence, created_at
		FROM session_messages WHERE session_id = $1 AND is_compacted = FALSE
		ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListAfter returns every message with a sequence strictly greater than
// messageID's — the list_after query behind boundary-aware loading.
func (s *SQLPartStore) ListAfter(ctx context.Context, sessionID, messageID string) []*models.Message {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, is_compacted, sequence, created_at
		FROM session_messages
		WHERE session_id = $1
		  AND sequence > COALESCE(
			(SELECT sequence FROM session_messages WHERE session_id = $1 AND id = $2), -1)
		ORDER BY sequence ASC`, sessionID, messageID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) []*models.Message {
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.IsCompacted, &m.Sequence, &m.CreatedAt); err != nil {
			return out
		}
		out = append(out, &m)
	}
	return out
}

// MarkCompacted sets is_compacted on every message in messageIDs.
func (s *SQLPartStore) MarkCompacted(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE session_messages SET is_compacted = TRUE WHERE id = $1`, id); err != nil {
			return fmt.Errorf("mark compacted %s: %w", id, err)
		}
	}
	return nil
}

// MostRecentCompaction returns the latest Compaction part for sessionID.
func (s *SQLPartStore) MostRecentCompaction(ctx context.Context, sessionID string) (models.MessagePart, bool) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partColumns+` FROM message_parts
		WHERE session_id = $1 AND kind = $2
		ORDER BY compacted_at DESC LIMIT 1`,
		sessionID, models.PartCompaction)
	if err != nil {
		return models.MessagePart{}, false
	}
	defer rows.Close()
	if !rows.Next() {
		return models.MessagePart{}, false
	}
	p, err := scanPart(rows)
	if err != nil {
		return models.MessagePart{}, false
	}
	return p, true
}
