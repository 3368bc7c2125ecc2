package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
	"receiptflow/internal/notify"
)

func TestRenderHistory(t *testing.T) {
	store := "Coop"
	list := []core.TrackedReceipt{
		{
			Record: core.ProcessingRecord{
				ID:        7,
				Status:    core.StatusCompleted,
				StoreName: &store,
				Total:     &core.Money{Cents: 1234},
				Items:     []core.ReceiptItem{{Name: "milk"}, {Name: "bread"}},
			},
			TrackState: core.TrackCompleted,
			UpdatedAt:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			Record:     core.ProcessingRecord{ID: 8, Status: core.StatusProcessing},
			TrackState: core.TrackTimedOut,
			UpdatedAt:  time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	renderHistory(&buf, list)
	out := buf.String()

	for _, want := range []string{"ID", "Coop", "12.34", "Unknown store", "timed out"} {
		if !strings.Contains(out, want) {
			t.Errorf("history output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 3 {
		t.Errorf("expected header plus 2 rows, got %d lines", lines)
	}
}

func TestRenderErrorState(t *testing.T) {
	var buf bytes.Buffer
	renderErrorState(&buf, &core.StorageWriteError{File: "a.jpg", Err: errors.New("403")})
	out := buf.String()
	if !strings.Contains(out, "Upload failed at storage") {
		t.Errorf("expected phase in output, got %q", out)
	}
	if !strings.Contains(out, "Try again") || !strings.Contains(out, "Back to dashboard") {
		t.Errorf("expected recovery actions, got %q", out)
	}

	buf.Reset()
	renderErrorState(&buf, errors.New("boom"))
	if !strings.Contains(buf.String(), "Upload failed: boom") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestRenderSignup(t *testing.T) {
	var buf bytes.Buffer
	renderSignup(&buf, core.QuotaState{LimitReached: true, SignupPrompt: "Create an account to keep going."})
	if !strings.Contains(buf.String(), "Create an account to keep going.") {
		t.Errorf("prompt not rendered: %q", buf.String())
	}
}

func TestRenderFlashesPrintsEachOnce(t *testing.T) {
	sink := notify.NewSink(time.Minute, applog.Discard())
	var buf bytes.Buffer
	stop := renderFlashes(sink, &buf)

	sink.Add(notify.Success, "first")
	sink.Add(notify.Error, "second")
	stop()
	stop()

	out := buf.String()
	if strings.Count(out, "first") != 1 || strings.Count(out, "second") != 1 {
		t.Errorf("expected each flash once, got:\n%s", out)
	}
	if !strings.Contains(out, "[error] second") {
		t.Errorf("expected typed prefix, got:\n%s", out)
	}
}
