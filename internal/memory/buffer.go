package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// TurnBuffer keeps conversation turns in SQLite until they have been through
// extraction. Each conversation has a cursor marking the last extracted turn.
type TurnBuffer struct {
	db *sql.DB
	mu sync.Mutex
}

func NewTurnBuffer(dbPath string) (*TurnBuffer, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	b := &TurnBuffer{db: db}
	if err := b.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *TurnBuffer) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (b *TurnBuffer) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *TurnBuffer) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id)`,
		`CREATE TABLE IF NOT EXISTS extraction_cursors (
			conversation_id TEXT PRIMARY KEY,
			last_turn_id INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Append buffers one turn and returns it with its id.
func (b *TurnBuffer) Append(conversationID, role, content string) (Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	turn := Turn{
		ConversationID: strings.TrimSpace(conversationID),
		Role:           strings.TrimSpace(role),
		Content:        strings.TrimSpace(content),
	}
	turn.TokenCount = estimateTokens(turn.Content)
	res, err := b.db.Exec(`
		INSERT INTO turns (conversation_id, role, content, token_count)
		VALUES (?, ?, ?, ?)
	`, turn.ConversationID, turn.Role, turn.Content, turn.TokenCount)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	if turn.ID, err = res.LastInsertId(); err != nil {
		return Turn{}, fmt.Errorf("append turn id: %w", err)
	}
	return turn, nil
}

// Pending returns the turns of a conversation newer than its cursor, oldest first.
func (b *TurnBuffer) Pending(conversationID string) ([]Turn, error) {
	rows, err := b.db.Query(`
		SELECT t.id, t.conversation_id, t.role, t.content, t.token_count, t.created_at
		FROM turns t
		LEFT JOIN extraction_cursors c ON c.conversation_id = t.conversation_id
		WHERE t.conversation_id = ?
		  AND t.id > COALESCE(c.last_turn_id, 0)
		ORDER BY t.id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query pending turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.TokenCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// PendingConversations lists conversations with at least minNew unextracted turns.
func (b *TurnBuffer) PendingConversations(minNew int) ([]string, error) {
	if minNew < 1 {
		minNew = 1
	}
	rows, err := b.db.Query(`
		SELECT t.conversation_id
		FROM turns t
		LEFT JOIN extraction_cursors c ON c.conversation_id = t.conversation_id
		WHERE t.id > COALESCE(c.last_turn_id, 0)
		GROUP BY t.conversation_id
		HAVING COUNT(*) >= ?
		ORDER BY MIN(t.id) ASC
	`, minNew)
	if err != nil {
		return nil, fmt.Errorf("query pending conversations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return ids, nil
}

// Advance moves the conversation cursor forward to lastTurnID. It never moves back.
func (b *TurnBuffer) Advance(conversationID string, lastTurnID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`
		INSERT INTO extraction_cursors (conversation_id, last_turn_id)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_turn_id = MAX(last_turn_id, excluded.last_turn_id),
			updated_at = datetime('now')
	`, conversationID, lastTurnID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// Prune deletes turns already behind their conversation cursor and returns the count.
func (b *TurnBuffer) Prune() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.Exec(`
		DELETE FROM turns
		WHERE id <= COALESCE(
			(SELECT c.last_turn_id FROM extraction_cursors c WHERE c.conversation_id = turns.conversation_id),
			0
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	return n, nil
}

// PendingTokens sums the estimated tokens of all unextracted turns.
func (b *TurnBuffer) PendingTokens() (int, error) {
	row := b.db.QueryRow(`
		SELECT COALESCE(SUM(t.token_count), 0)
		FROM turns t
		LEFT JOIN extraction_cursors c ON c.conversation_id = t.conversation_id
		WHERE t.id > COALESCE(c.last_turn_id, 0)
	`)
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("pending token count: %w", err)
	}
	return total, nil
}

func estimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	words := len(strings.Fields(text))
	estimate := int(float64(cjk)*1.5 + float64(words)*0.75)
	if estimate < 1 {
		return 1
	}
	return estimate
}
