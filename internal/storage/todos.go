package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateTodo inserts a new todo item. Creator and assignee may differ.
func (s *Store) CreateTodo(ctx context.Context, t Todo) (*Todo, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate todo id: %w", err)
	}
	t.ID = id.String()
	t.CreatedAt = s.now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO todos (id, family_id, assignee_id, creator_id, text, due_at, done, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FamilyID, t.AssigneeID, t.CreatorID, t.Text, t.DueAt, boolToInt(t.Done), t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert todo: %w", err)
	}
	return &t, nil
}

// TodosForAssignee returns an assignee's todo list within a family,
// verbatim stored text, newest first.
func (s *Store) TodosForAssignee(ctx context.Context, familyID, assigneeID string) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, assignee_id, creator_id, text, due_at, done, created_at FROM todos
		 WHERE family_id = ? AND assignee_id = ? ORDER BY created_at DESC`, familyID, assigneeID)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	var out []Todo
	for rows.Next() {
		var t Todo
		var done int
		if err := rows.Scan(&t.ID, &t.FamilyID, &t.AssigneeID, &t.CreatorID, &t.Text, &t.DueAt, &done, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		t.Done = done != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTodoDone marks a todo done within a family, returning ErrNotFound
// if no such todo exists for that family.
func (s *Store) MarkTodoDone(ctx context.Context, familyID, todoID string, done bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE todos SET done = ? WHERE id = ? AND family_id = ?`, boolToInt(done), todoID, familyID)
	if err != nil {
		return fmt.Errorf("update todo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
