package policy

import (
	"context"
	"testing"
	"time"
)

func TestEventPromptServiceRoundTrip(t *testing.T) {
	published := make(chan PromptRequest, 1)
	s := NewEventPromptService(func(req PromptRequest) { published <- req })

	go func() {
		req := <-published
		if !s.ProvideResponse(req.ID, PromptResponse{OptionKey: "y"}) {
			t.Error("ProvideResponse found no waiter")
		}
	}()

	resp, err := s.Prompt(context.Background(), PromptRequest{ID: "r1", Title: "Permission Required"})
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if resp.OptionKey != "y" || resp.TimedOut || resp.Cancelled {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestEventPromptServiceTimeout(t *testing.T) {
	s := NewEventPromptService(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	resp, err := s.Prompt(ctx, PromptRequest{ID: "r1"})
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if !resp.TimedOut {
		t.Errorf("expected TimedOut, got %+v", resp)
	}
}

func TestEventPromptServiceCancellation(t *testing.T) {
	s := NewEventPromptService(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	resp, err := s.Prompt(ctx, PromptRequest{ID: "r1"})
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if !resp.Cancelled {
		t.Errorf("expected Cancelled, got %+v", resp)
	}
}

func TestProvideResponseUnknownID(t *testing.T) {
	s := NewEventPromptService(nil)
	if s.ProvideResponse("missing", PromptResponse{OptionKey: "y"}) {
		t.Error("ProvideResponse must report false for an unknown request id")
	}
}
