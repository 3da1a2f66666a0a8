package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// syncBuffer collects shell output across goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, buf *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for output %q, got:\n%s", substr, buf.String())
}

func TestShellSendsAndPrintsReply(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan map[string]interface{}, 1)
	_, err := b.Subscribe(events.ModuleInputSubject("a1", "echo"), func(ctx context.Context, msg *bus.Message) error {
		var payload map[string]interface{}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Errorf("bad payload: %v", err)
			return nil
		}
		received <- payload
		return b.Publish(ctx, events.AgentOutputSubject("a1"), []byte(`{"echoed":true}`))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	stdin, input := io.Pipe()
	out := &syncBuffer{}
	sh := New(b, "a1", stdin, out, testLogger(t))

	done := make(chan error, 1)
	go func() { done <- sh.Run(context.Background()) }()

	if _, err := io.WriteString(input, "echo {\"message\":\"hi\"}\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case payload := <-received:
		if payload["message"] != "hi" {
			t.Errorf("expected message hi, got %v", payload["message"])
		}
		if wfID, _ := payload["workflow_id"].(string); wfID == "" {
			t.Error("expected a minted workflow_id")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("module never received the request")
	}

	waitForOutput(t, out, "[OUTPUT]")
	waitForOutput(t, out, `{"echoed":true}`)

	if _, err := io.WriteString(input, "exit\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestShellKeepsProvidedWorkflowID(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan map[string]interface{}, 1)
	_, err := b.Subscribe(events.ModuleInputSubject("a1", "ping"), func(ctx context.Context, msg *bus.Message) error {
		var payload map[string]interface{}
		_ = json.Unmarshal(msg.Data, &payload)
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	stdin, input := io.Pipe()
	out := &syncBuffer{}
	sh := New(b, "a1", stdin, out, testLogger(t))

	done := make(chan error, 1)
	go func() { done <- sh.Run(context.Background()) }()

	if _, err := io.WriteString(input, "ping {\"workflow_id\":\"wf-keep\"}\nexit\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case payload := <-received:
		if payload["workflow_id"] != "wf-keep" {
			t.Errorf("expected workflow_id wf-keep, got %v", payload["workflow_id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("module never received the request")
	}
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestShellPrintsModuleErrors(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	_, err := b.Subscribe(events.ModuleInputSubject("a1", "faulty"), func(ctx context.Context, msg *bus.Message) error {
		return b.Publish(ctx, events.ModuleErrorSubject("a1", "faulty"), []byte("simulated failure"))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	stdin, input := io.Pipe()
	out := &syncBuffer{}
	sh := New(b, "a1", stdin, out, testLogger(t))

	done := make(chan error, 1)
	go func() { done <- sh.Run(context.Background()) }()

	if _, err := io.WriteString(input, "faulty {}\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitForOutput(t, out, "[ERROR]")
	waitForOutput(t, out, "simulated failure")

	if _, err := io.WriteString(input, "exit\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestShellRejectsBadPayload(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	stdin, input := io.Pipe()
	out := &syncBuffer{}
	sh := New(b, "a1", stdin, out, testLogger(t))

	done := make(chan error, 1)
	go func() { done <- sh.Run(context.Background()) }()

	if _, err := io.WriteString(input, "echo {not json\nexit\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitForOutput(t, out, "error:")
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestShellQuitsOnEOF(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()

	out := &syncBuffer{}
	sh := New(b, "a1", strings.NewReader(""), out, testLogger(t))

	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("expected clean EOF exit, got %v", err)
	}
}

func TestSplitLine(t *testing.T) {
	module, payload := splitLine(`echo {"a": 1}`)
	if module != "echo" || payload != `{"a": 1}` {
		t.Errorf("unexpected split: %q %q", module, payload)
	}
	module, payload = splitLine("ping")
	if module != "ping" || payload != "" {
		t.Errorf("unexpected split: %q %q", module, payload)
	}
}
