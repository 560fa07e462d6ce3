package schema

import (
	"errors"
	"testing"

	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
)

func TestRegisterDefaultsAndValidateOk(t *testing.T) {
	r := NewRegistry(true)
	if err := RegisterDefaults(r); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}

	env := event.New(event.ArchiveIngested, map[string]any{
		"archive_id":     "abc123",
		"source":         "ietf-wg",
		"storage_id":     "s3://bucket/key",
		"file_hash":      "deadbeef",
		"ingestion_date": "2026-07-31T00:00:00Z",
	})

	if err := r.Validate(env); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry(true)
	if err := RegisterDefaults(r); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}

	env := event.New(event.EmbeddingsGenerated, map[string]any{
		"embedding_model": "text-embedding-3",
	})

	err := r.Validate(env)
	if err == nil {
		t.Fatal("expected validation error for missing chunk_ids")
	}
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *errs.ValidationError, got %T", err)
	}
}

func TestValidateUnregisteredEventTypeIsPermanentError(t *testing.T) {
	r := NewRegistry(true)
	env := event.New("unregistered.event", map[string]any{})

	err := r.Validate(env)
	if !errs.IsPermanent(err) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
}
