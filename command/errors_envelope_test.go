package command

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-ingest/core"
)

func TestRunPullMessage_ValidateReturnsRichError(t *testing.T) {
	err := (RunPullMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.IngestErrorValidation {
		t.Fatalf("expected %q text code, got %q", core.IngestErrorValidation, rich.TextCode)
	}
}

func TestAdvanceCheckpointMessage_RequiresCursor(t *testing.T) {
	err := (AdvanceCheckpointMessage{Checkpoint: core.Checkpoint{
		ConnectorID: "inst-1",
		SourceKey:   "orders",
	}}).Validate()
	if core.Kind(err) != core.IngestErrorValidation {
		t.Fatalf("expected a validation rejection, got %v", err)
	}
}

func TestRunPullCommand_NilServiceReturnsRichError(t *testing.T) {
	var cmd *RunPullCommand
	err := cmd.Execute(context.Background(), RunPullMessage{InstanceID: "inst-1"})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
