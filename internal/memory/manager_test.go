package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/flashclaw/flashclaw/internal/providers"
)

type stubProvider struct {
	response string
	err      error
	calls    int
}

func (s *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &providers.ChatResponse{Content: s.response}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return s.Chat(ctx, req)
}

func (s *stubProvider) DefaultModel() string { return "stub" }
func (s *stubProvider) Name() string         { return "stub" }

func TestRememberRecallForget(t *testing.T) {
	m := NewManager(t.TempDir())

	if err := m.Remember("g1", "likes", "coffee"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	v, ok := m.Recall("g1", "likes")
	if !ok || v != "coffee" {
		t.Fatalf("recall got (%q, %v)", v, ok)
	}

	if err := m.Remember("g1", "likes", "tea"); err != nil {
		t.Fatalf("remember update: %v", err)
	}
	v, _ = m.Recall("g1", "likes")
	if v != "tea" {
		t.Fatalf("expected update to overwrite value, got %q", v)
	}

	if err := m.Forget("g1", "likes"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := m.Recall("g1", "likes"); ok {
		t.Fatal("expected key to be gone after forget")
	}
}

func TestRecallAllPreservesInsertionOrder(t *testing.T) {
	m := NewManager(t.TempDir())
	m.Remember("g1", "b", "2")
	m.Remember("g1", "a", "1")
	m.Remember("g1", "c", "3")

	got := m.RecallAll("g1")
	want := "- b: 2\n- a: 1\n- c: 3"
	if got != want {
		t.Fatalf("RecallAll = %q, want %q", got, want)
	}
}

func TestKVFilePersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	m1 := NewManager(dir)
	m1.Remember("g1", "name", "flashclaw")

	m2 := NewManager(dir)
	v, ok := m2.Recall("g1", "name")
	if !ok || v != "flashclaw" {
		t.Fatalf("expected persisted value across managers, got (%q, %v)", v, ok)
	}
}

func TestGetContextReturnsSingleOversizedMessage(t *testing.T) {
	m := NewManager("")
	huge := make([]byte, DefaultContextTokenLimit*5)
	for i := range huge {
		huge[i] = 'a'
	}
	m.AddMessage("g1", providers.Message{Role: "user", Content: "short"})
	m.AddMessage("g1", providers.Message{Role: "assistant", Content: string(huge)})

	ctx := m.GetContext("g1", DefaultContextTokenLimit)
	if len(ctx) != 1 {
		t.Fatalf("expected exactly the oversized message alone, got %d messages", len(ctx))
	}
}

func TestAddMessageTrimsPastDoubleCeiling(t *testing.T) {
	m := NewManager("")
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 700; i++ {
		m.AddMessage("g1", providers.Message{Role: "user", Content: fmt.Sprintf("%s-%d", string(big), i)})
	}

	m.mu.RLock()
	c := m.shortTerm["g1"]
	estimate := c.tokenEstimate
	m.mu.RUnlock()

	if estimate > 2*CompactThreshold {
		t.Fatalf("token estimate %d exceeds double the compact threshold", estimate)
	}
}

func TestCompactIsNoOpUnderContention(t *testing.T) {
	m := NewManager("")
	m.AddMessage("g1", providers.Message{Role: "user", Content: "hello"})
	m.AddMessage("g1", providers.Message{Role: "assistant", Content: "hi"})

	lock := m.groupLock("g1")
	lock.Lock()
	defer lock.Unlock()

	result, err := m.Compact(context.Background(), "g1", &stubProvider{response: "summary"})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !result.NoOp {
		t.Fatal("expected no-op result when the group lock is already held")
	}
}

func TestCompactLeavesStateUnchangedOnLLMFailure(t *testing.T) {
	m := NewManager("")
	for i := 0; i < 20; i++ {
		m.AddMessage("g1", providers.Message{Role: "user", Content: fmt.Sprintf("%08000d", i)})
	}
	before := m.History("g1")

	_, err := m.Compact(context.Background(), "g1", &stubProvider{err: fmt.Errorf("boom")})
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	after := m.History("g1")
	if len(before) != len(after) {
		t.Fatalf("history mutated despite LLM failure: before=%d after=%d", len(before), len(after))
	}
}

func TestSafeIDSanitizesPathSegment(t *testing.T) {
	m := NewManager(t.TempDir())
	m.Remember("weird:id/../etc", "k", "v")
	path := m.groupKVPath("weird:id/../etc")
	if filepath.Dir(path) != m.dataRoot {
		t.Fatalf("expected sanitized path to stay inside data root, got %q", path)
	}
}
