package storage

import (
	"database/sql"
	"time"
)

// SaveNote inserts a new note or fully replaces an existing one.
func (s *Store) SaveNote(n Note) error {
	personIDs := n.PersonIDs
	if personIDs == "" {
		personIDs = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO notes (id, title, content, category, person_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			category = excluded.category,
			person_ids = excluded.person_ids,
			updated_at = excluded.updated_at`,
		n.ID, n.Title, n.Content, n.Category, personIDs,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	return err
}

// GetNote returns a note by id, or ErrNotFound.
func (s *Store) GetNote(id string) (Note, error) {
	row := s.db.QueryRow(`
		SELECT id, title, content, category, person_ids, created_at, updated_at
		FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	return n, err
}

// ListNotes returns notes newest-first.
func (s *Store) ListNotes(limit, offset int) ([]Note, error) {
	rows, err := s.db.Query(`
		SELECT id, title, content, category, person_ids, created_at, updated_at
		FROM notes ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteNote removes a note by id, or returns ErrNotFound.
func (s *Store) DeleteNote(id string) error {
	res, err := s.db.Exec("DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(r rowScanner) (Note, error) {
	var n Note
	var createdAt, updatedAt string
	if err := r.Scan(&n.ID, &n.Title, &n.Content, &n.Category, &n.PersonIDs, &createdAt, &updatedAt); err != nil {
		return Note{}, err
	}
	var err error
	if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Note{}, err
	}
	if n.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Note{}, err
	}
	return n, nil
}

// Touch returns the current UTC time truncated to second precision, the
// resolution the store persists timestamps at.
func Touch() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
