package mcpbridge_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

type fakeBulkSender struct {
	mu          sync.Mutex
	singles     [][]byte
	bulks       [][][]byte
	failBulk    bool
	failSingles bool
}

func (s *fakeBulkSender) SendRaw(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSingles {
		return errors.New("single send failed")
	}
	s.singles = append(s.singles, payload)
	return nil
}

func (s *fakeBulkSender) SendRawBulk(_ context.Context, payloads [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBulk {
		return errors.New("bulk send failed")
	}
	s.bulks = append(s.bulks, payloads)
	return nil
}

func (s *fakeBulkSender) sent() (singles [][]byte, bulks [][][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singles, s.bulks
}

func TestBatchDisabledSendsImmediately(t *testing.T) {
	sender := &fakeBulkSender{}
	batch := mcpbridge.NewBatchController(sender, mcpbridge.BatchConfig{Enabled: false})

	if err := batch.Add(context.Background(), []byte("one")); err != nil {
		t.Fatalf("failed to add message: %v", err)
	}

	singles, bulks := sender.sent()
	if len(singles) != 1 || string(singles[0]) != "one" {
		t.Errorf("expected one immediate send, got %q", singles)
	}
	if len(bulks) != 0 {
		t.Errorf("disabled batching must not bulk-send, got %d bulks", len(bulks))
	}
	if batch.Pending() != 0 {
		t.Errorf("disabled batching must not queue, pending = %d", batch.Pending())
	}
}

func TestBatchFlushesAtSizeLimit(t *testing.T) {
	sender := &fakeBulkSender{}
	batch := mcpbridge.NewBatchController(sender, mcpbridge.BatchConfig{
		Enabled: true,
		Size:    3,
		Timeout: time.Minute,
	})

	for _, payload := range []string{"a", "b"} {
		if err := batch.Add(context.Background(), []byte(payload)); err != nil {
			t.Fatalf("failed to add %q: %v", payload, err)
		}
	}
	if _, bulks := sender.sent(); len(bulks) != 0 {
		t.Fatal("batch flushed before reaching size limit")
	}
	if batch.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", batch.Pending())
	}

	if err := batch.Add(context.Background(), []byte("c")); err != nil {
		t.Fatalf("failed to add final message: %v", err)
	}

	_, bulks := sender.sent()
	if len(bulks) != 1 {
		t.Fatalf("expected one bulk send, got %d", len(bulks))
	}
	got := make([]string, 0, len(bulks[0]))
	for _, payload := range bulks[0] {
		got = append(got, string(payload))
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("bulk payloads out of order: %v", got)
	}
	if batch.Pending() != 0 {
		t.Errorf("pending after flush = %d", batch.Pending())
	}
}

func TestBatchFlushesOnTimeout(t *testing.T) {
	sender := &fakeBulkSender{}
	batch := mcpbridge.NewBatchController(sender, mcpbridge.BatchConfig{
		Enabled: true,
		Size:    100,
		Timeout: 10 * time.Millisecond,
	})

	if err := batch.Add(context.Background(), []byte("old")); err != nil {
		t.Fatalf("failed to add message: %v", err)
	}

	if err := batch.CheckTimeout(context.Background()); err != nil {
		t.Fatalf("premature CheckTimeout failed: %v", err)
	}
	if _, bulks := sender.sent(); len(bulks) != 0 {
		t.Fatal("batch flushed before timeout elapsed")
	}

	time.Sleep(20 * time.Millisecond)
	if err := batch.CheckTimeout(context.Background()); err != nil {
		t.Fatalf("CheckTimeout failed: %v", err)
	}

	_, bulks := sender.sent()
	if len(bulks) != 1 || len(bulks[0]) != 1 || string(bulks[0][0]) != "old" {
		t.Errorf("expected aged message flushed in one bulk, got %v", bulks)
	}
}

func TestBatchBulkFailureFallsBackToSingles(t *testing.T) {
	sender := &fakeBulkSender{failBulk: true}
	batch := mcpbridge.NewBatchController(sender, mcpbridge.BatchConfig{
		Enabled: true,
		Size:    2,
		Timeout: time.Minute,
	})

	batch.Add(context.Background(), []byte("a"))
	if err := batch.Add(context.Background(), []byte("b")); err != nil {
		t.Fatalf("flush should succeed via fallback, got %v", err)
	}

	singles, _ := sender.sent()
	if len(singles) != 2 {
		t.Fatalf("expected 2 individual sends, got %d", len(singles))
	}
	if string(singles[0]) != "a" || string(singles[1]) != "b" {
		t.Errorf("fallback payloads out of order: %q %q", singles[0], singles[1])
	}
}

func TestBatchReportsFallbackFailures(t *testing.T) {
	sender := &fakeBulkSender{failBulk: true, failSingles: true}
	batch := mcpbridge.NewBatchController(sender, mcpbridge.BatchConfig{
		Enabled: true,
		Size:    2,
		Timeout: time.Minute,
	})

	batch.Add(context.Background(), []byte("a"))
	err := batch.Add(context.Background(), []byte("b"))
	if err == nil {
		t.Fatal("expected error when both bulk and individual sends fail")
	}
	if !strings.Contains(err.Error(), "2 of 2") {
		t.Errorf("error should report failure counts, got %v", err)
	}
	if batch.Pending() != 0 {
		t.Errorf("failed batch must not be retried, pending = %d", batch.Pending())
	}
}

func TestBatchFlushEmptyIsNoop(t *testing.T) {
	sender := &fakeBulkSender{failBulk: true}
	batch := mcpbridge.NewBatchController(sender, mcpbridge.BatchConfig{Enabled: true, Size: 5})

	if err := batch.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush returned error: %v", err)
	}
}
