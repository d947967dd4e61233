package storage

import (
	"errors"
	"testing"
)

func TestJobLifecycle_Ready(t *testing.T) {
	store := openTestStore(t)

	job, err := store.CreateJob("job-1", "meeting.pdf")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != JobPending {
		t.Fatalf("created job status = %q, want %q", job.Status, JobPending)
	}
	if job.Terminal() {
		t.Fatal("freshly created job reports terminal")
	}

	if err := store.StartJob("job-1"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	job, err = store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob after start: %v", err)
	}
	if job.Status != JobProcessing {
		t.Fatalf("started job status = %q, want %q", job.Status, JobProcessing)
	}

	if err := store.CompleteJob("job-1", `{"title":"Weekly sync"}`, `[]`); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	job, err = store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob after complete: %v", err)
	}
	if job.Status != JobReady {
		t.Errorf("completed job status = %q, want %q", job.Status, JobReady)
	}
	if !job.Terminal() {
		t.Error("READY job does not report terminal")
	}
	if job.DraftJSON == "" || job.RefsJSON == "" {
		t.Errorf("READY job missing draft/refs: draft=%q refs=%q", job.DraftJSON, job.RefsJSON)
	}
	if job.ErrorMessage != "" {
		t.Errorf("READY job carries error message %q", job.ErrorMessage)
	}
}

func TestJobLifecycle_Error(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.CreateJob("job-1", "broken.pdf"); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.StartJob("job-1"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := store.FailJobRecord("job-1", "text extraction failed"); err != nil {
		t.Fatalf("FailJobRecord: %v", err)
	}

	job, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobError {
		t.Errorf("failed job status = %q, want %q", job.Status, JobError)
	}
	if !job.Terminal() {
		t.Error("ERROR job does not report terminal")
	}
	if job.ErrorMessage != "text extraction failed" {
		t.Errorf("error_message = %q, want %q", job.ErrorMessage, "text extraction failed")
	}
	if job.DraftJSON != "" || job.RefsJSON != "" {
		t.Errorf("ERROR job carries draft/refs: draft=%q refs=%q", job.DraftJSON, job.RefsJSON)
	}
}

func TestJob_TerminalStateIsFinal(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.CreateJob("job-ready", "a.pdf"); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.StartJob("job-ready"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := store.CompleteJob("job-ready", `{"title":"A"}`, `[]`); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// No transition out of READY.
	if err := store.FailJobRecord("job-ready", "late failure"); !errors.Is(err, ErrTerminal) {
		t.Errorf("FailJobRecord on READY job: err = %v, want ErrTerminal", err)
	}
	if err := store.CompleteJob("job-ready", `{"title":"B"}`, `[]`); !errors.Is(err, ErrTerminal) {
		t.Errorf("second CompleteJob: err = %v, want ErrTerminal", err)
	}
	if err := store.StartJob("job-ready"); !errors.Is(err, ErrTerminal) {
		t.Errorf("StartJob on READY job: err = %v, want ErrTerminal", err)
	}

	job, err := store.GetJob("job-ready")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobReady || job.DraftJSON != `{"title":"A"}` {
		t.Errorf("terminal record changed: status=%q draft=%q", job.Status, job.DraftJSON)
	}

	// Same for ERROR.
	if _, err := store.CreateJob("job-err", "b.pdf"); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.StartJob("job-err"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := store.FailJobRecord("job-err", "boom"); err != nil {
		t.Fatalf("FailJobRecord: %v", err)
	}
	if err := store.CompleteJob("job-err", `{"title":"B"}`, `[]`); !errors.Is(err, ErrTerminal) {
		t.Errorf("CompleteJob on ERROR job: err = %v, want ErrTerminal", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob(missing): err = %v, want ErrNotFound", err)
	}
}
