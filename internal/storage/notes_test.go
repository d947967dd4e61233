package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSaveNote_InsertAndReplace(t *testing.T) {
	store := openTestStore(t)

	now := Touch()
	n := Note{
		ID:        "note-1",
		Title:     "1:1 with Sam",
		Content:   "Discussed the Q3 roadmap.",
		Category:  "one_on_one",
		PersonIDs: `["sam"]`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveNote(n); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}

	got, err := store.GetNote("note-1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.Title != n.Title || got.Content != n.Content || got.Category != n.Category {
		t.Errorf("GetNote = %+v, want %+v", got, n)
	}
	if got.PersonIDs != `["sam"]` {
		t.Errorf("PersonIDs = %q, want %q", got.PersonIDs, `["sam"]`)
	}

	// Saving again with the same id replaces the record.
	n.Title = "1:1 with Sam (rescheduled)"
	n.UpdatedAt = now.Add(time.Minute)
	if err := store.SaveNote(n); err != nil {
		t.Fatalf("SaveNote replace: %v", err)
	}
	got, err = store.GetNote("note-1")
	if err != nil {
		t.Fatalf("GetNote after replace: %v", err)
	}
	if got.Title != "1:1 with Sam (rescheduled)" {
		t.Errorf("Title after replace = %q", got.Title)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt changed on replace: %v, want %v", got.CreatedAt, now)
	}
}

func TestSaveNote_EmptyPersonIDsStoredAsEmptyList(t *testing.T) {
	store := openTestStore(t)

	now := Touch()
	if err := store.SaveNote(Note{ID: "note-1", Title: "t", Content: "c", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	got, err := store.GetNote("note-1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.PersonIDs != "[]" {
		t.Errorf("PersonIDs = %q, want %q", got.PersonIDs, "[]")
	}
}

func TestListNotes_NewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := Touch().Add(-time.Hour)
	for i, id := range []string{"note-a", "note-b", "note-c"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveNote(Note{ID: id, Title: id, Content: "c", CreatedAt: ts, UpdatedAt: ts}); err != nil {
			t.Fatalf("SaveNote %s: %v", id, err)
		}
	}

	notes, err := store.ListNotes(10, 0)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	want := []string{"note-c", "note-b", "note-a"}
	if len(notes) != len(want) {
		t.Fatalf("ListNotes returned %d notes, want %d", len(notes), len(want))
	}
	for i, id := range want {
		if notes[i].ID != id {
			t.Errorf("notes[%d].ID = %q, want %q", i, notes[i].ID, id)
		}
	}

	page, err := store.ListNotes(1, 1)
	if err != nil {
		t.Fatalf("ListNotes paged: %v", err)
	}
	if len(page) != 1 || page[0].ID != "note-b" {
		t.Errorf("ListNotes(1, 1) = %v, want [note-b]", page)
	}
}

func TestDeleteNote(t *testing.T) {
	store := openTestStore(t)

	now := Touch()
	if err := store.SaveNote(Note{ID: "note-1", Title: "t", Content: "c", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	if err := store.DeleteNote("note-1"); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if _, err := store.GetNote("note-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNote after delete: err = %v, want ErrNotFound", err)
	}
	if err := store.DeleteNote("note-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteNote: err = %v, want ErrNotFound", err)
	}
}
