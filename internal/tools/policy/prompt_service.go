package policy

import (
	"context"
	"sync"
)

// PromptPublisher delivers a UserPromptRequest out of band, typically by
// publishing it on the event bus for a UI to pick up.
type PromptPublisher func(req PromptRequest)

// EventPromptService is the default event-driven PromptService: each
// Prompt raises a request through the publisher and blocks until the UI
// calls ProvideResponse with the matching request id, the context times
// out, or the caller cancels.
type EventPromptService struct {
	publish PromptPublisher

	mu      sync.Mutex
	waiting map[string]chan PromptResponse
}

// NewEventPromptService creates a prompt service that raises requests
// through publish.
func NewEventPromptService(publish PromptPublisher) *EventPromptService {
	return &EventPromptService{
		publish: publish,
		waiting: make(map[string]chan PromptResponse),
	}
}

// Prompt publishes req and waits for a response. Context expiry maps to
// TimedOut; any other cancellation maps to Cancelled.
func (s *EventPromptService) Prompt(ctx context.Context, req PromptRequest) (PromptResponse, error) {
	ch := make(chan PromptResponse, 1)
	s.mu.Lock()
	s.waiting[req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiting, req.ID)
		s.mu.Unlock()
	}()

	if s.publish != nil {
		s.publish(req)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return PromptResponse{TimedOut: true}, nil
		}
		return PromptResponse{Cancelled: true}, nil
	}
}

// ProvideResponse resolves the pending prompt with the given request id.
// It reports whether a caller was actually waiting on that id.
func (s *EventPromptService) ProvideResponse(requestID string, resp PromptResponse) bool {
	s.mu.Lock()
	ch, ok := s.waiting[requestID]
	if ok {
		delete(s.waiting, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}
