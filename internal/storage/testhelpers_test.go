package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openClockedStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s := openTestStore(t)
	clk := newFakeClock()
	s.SetClock(clk.Now)
	return s, clk
}

func seedDocument(t *testing.T, s *Store, kbID, docID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetKnowledgeBase(ctx, kbID); err == ErrNotFound {
		if err := s.CreateKnowledgeBase(ctx, KnowledgeBase{ID: kbID, Name: kbID}); err != nil {
			t.Fatalf("CreateKnowledgeBase: %v", err)
		}
	}
	if err := s.CreateDocument(ctx, Document{
		ID: docID, KnowledgeBaseID: kbID, SourceURI: "file:///tmp/" + docID + ".txt",
		FileName: docID + ".txt", FileType: "text/plain",
	}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
}
