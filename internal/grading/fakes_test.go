package grading

import (
	"context"
	"sync"

	"homework-grader/internal/chat"
)

// scriptedChat answers each call from per-call functions indexed by call number (1-based).
type scriptedChat struct {
	mu sync.Mutex

	create   func() (chat.CreateResult, error)
	retrieve func(n int) (chat.State, error)
	list     func(n int) ([]chat.Message, error)

	createCalls   int
	retrieveCalls int
	listCalls     int
	imageURLs     []string
}

func (s *scriptedChat) CreateChat(_ context.Context, _ string, imageURL string) (chat.CreateResult, error) {
	s.mu.Lock()
	s.createCalls++
	s.imageURLs = append(s.imageURLs, imageURL)
	fn := s.create
	s.mu.Unlock()
	return fn()
}

func (s *scriptedChat) RetrieveChat(_ context.Context, _ chat.Ref) (chat.State, error) {
	s.mu.Lock()
	s.retrieveCalls++
	n := s.retrieveCalls
	s.mu.Unlock()
	return s.retrieve(n)
}

func (s *scriptedChat) ListMessages(_ context.Context, _ chat.Ref) ([]chat.Message, error) {
	s.mu.Lock()
	s.listCalls++
	n := s.listCalls
	s.mu.Unlock()
	return s.list(n)
}

func asyncRef() (chat.CreateResult, error) {
	return chat.CreateResult{Ref: chat.Ref{ConversationID: "conv-1", ChatID: "chat-1"}}, nil
}

func answer(text string) []chat.Message {
	return []chat.Message{
		{Role: "user", Type: "question", Content: chat.TextContent("grade it")},
		{Role: "assistant", Type: "answer", Content: chat.TextContent(text)},
	}
}

func state(st chat.Status) (chat.State, error) {
	return chat.State{Status: st}, nil
}

// recordingDispatcher keeps tasks without running them.
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) last() Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks[len(d.tasks)-1]
}
