package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AppendConversationPair appends a user message and the assistant's
// reply transactionally, then trims the log to maxMessages by deleting
// the oldest rows by sequence. The monotonic sequence is computed as
// MAX(seq)+1 inside the transaction so it stays correct under
// concurrent writers.
func (s *Store) AppendConversationPair(ctx context.Context, userID, familyID, userText, assistantText string, maxMessages int) error {
	if maxMessages < 2 {
		maxMessages = 2
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		row := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM conversation_messages WHERE user_id = ? AND family_id = ?`, userID, familyID)
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("scan max seq: %w", err)
		}
		next := maxSeq.Int64 + 1
		now := s.now()

		for i, pair := range []struct {
			role string
			text string
		}{{"user", userText}, {"assistant", assistantText}} {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate message id: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO conversation_messages (id, user_id, family_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id.String(), userID, familyID, next+int64(i), pair.role, pair.text, now)
			if err != nil {
				return fmt.Errorf("insert conversation message: %w", err)
			}
		}

		var count int
		row = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conversation_messages WHERE user_id = ? AND family_id = ?`, userID, familyID)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("count conversation messages: %w", err)
		}
		if count > maxMessages {
			excess := count - maxMessages
			_, err := tx.ExecContext(ctx,
				`DELETE FROM conversation_messages WHERE id IN (
					SELECT id FROM conversation_messages WHERE user_id = ? AND family_id = ? ORDER BY seq ASC LIMIT ?
				)`, userID, familyID, excess)
			if err != nil {
				return fmt.Errorf("trim conversation messages: %w", err)
			}
		}
		return nil
	})
}

// ConversationMessages returns the most recent n messages for a tenant,
// oldest-first.
func (s *Store) ConversationMessages(ctx context.Context, userID, familyID string, n int) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, family_id, seq, role, content, created_at FROM conversation_messages
		 WHERE user_id = ? AND family_id = ? ORDER BY seq DESC LIMIT ?`, userID, familyID, n)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.FamilyID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ConversationCount reports the current row count for a tenant, used by
// tests asserting the MAX_CONVERSATION_MESSAGES invariant.
func (s *Store) ConversationCount(ctx context.Context, userID, familyID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE user_id = ? AND family_id = ?`, userID, familyID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversation messages: %w", err)
	}
	return n, nil
}

// Summary returns the ordered sentence list for a tenant, or an empty
// slice if none exists yet.
func (s *Store) Summary(ctx context.Context, userID, familyID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sentences FROM summaries WHERE user_id = ? AND family_id = ?`, userID, familyID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	var sentences []string
	_ = json.Unmarshal([]byte(raw), &sentences)
	return sentences, nil
}

// ReplaceSummary overwrites the running summary, capping to maxChars
// total characters (dropping oldest sentences first).
func (s *Store) ReplaceSummary(ctx context.Context, userID, familyID string, sentences []string, maxChars int) error {
	sentences = capSentencesByChars(sentences, maxChars)
	raw, err := json.Marshal(sentences)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO summaries (user_id, family_id, sentences, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, family_id) DO UPDATE SET sentences = excluded.sentences, updated_at = excluded.updated_at`,
		userID, familyID, string(raw), s.now())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func capSentencesByChars(sentences []string, maxChars int) []string {
	total := 0
	for _, s := range sentences {
		total += len(s)
	}
	start := 0
	for total > maxChars && start < len(sentences) {
		total -= len(sentences[start])
		start++
	}
	return sentences[start:]
}

// Personality returns the ordered, de-duplicated instruction list for a
// tenant.
func (s *Store) Personality(ctx context.Context, userID, familyID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instructions FROM personality_instructions WHERE user_id = ? AND family_id = ?`, userID, familyID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan personality: %w", err)
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out, nil
}

// AppendPersonality splits raw on ". " into individual imperative
// instructions and appends each, de-duplicating and capping at 20
// entries (oldest dropped first).
func (s *Store) AppendPersonality(ctx context.Context, userID, familyID, raw string) error {
	existing, err := s.Personality(ctx, userID, familyID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}

	for _, piece := range strings.Split(raw, ". ") {
		instr := strings.TrimSpace(piece)
		instr = strings.TrimSuffix(instr, ".")
		if instr == "" || seen[instr] {
			continue
		}
		seen[instr] = true
		existing = append(existing, instr)
	}

	const maxPersonality = 20
	if len(existing) > maxPersonality {
		existing = existing[len(existing)-maxPersonality:]
	}

	out, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshal personality: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO personality_instructions (user_id, family_id, instructions, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, family_id) DO UPDATE SET instructions = excluded.instructions, updated_at = excluded.updated_at`,
		userID, familyID, string(out), s.now())
	if err != nil {
		return fmt.Errorf("upsert personality: %w", err)
	}
	return nil
}
