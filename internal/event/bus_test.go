package event

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rmcp-dev/rmcp/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated, Data: SessionData{SessionID: "s1", Transport: "http"}})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SessionCreated {
			t.Errorf("Expected SessionCreated, got %v", received.Type)
		}
		data, ok := received.Data.(SessionData)
		if !ok || data.SessionID != "s1" {
			t.Errorf("Expected session s1, got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	defer unsub()

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: ToolsChanged})
	bus.PublishSync(Event{Type: ApprovalGranted})

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("Expected 3 events, got %d", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(ToolsChanged, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: ToolsChanged})
	unsub()
	bus.PublishSync(Event{Type: ToolsChanged})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 event after unsubscribe, got %d", got)
	}
}

func TestBus_UnsubscribeGlobal(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: PromptsChanged})
	unsub()
	bus.PublishSync(Event{Type: PromptsChanged})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 event after unsubscribe, got %d", got)
	}
}

func TestBus_EventTypeFiltering(t *testing.T) {
	bus := NewBus()

	var tools, resources int32
	bus.Subscribe(ToolsChanged, func(e Event) { atomic.AddInt32(&tools, 1) })
	bus.Subscribe(ResourcesChanged, func(e Event) { atomic.AddInt32(&resources, 1) })

	bus.PublishSync(Event{Type: ToolsChanged, Data: ListChangedData{Names: []string{"echo"}}})
	bus.PublishSync(Event{Type: ToolsChanged})
	bus.PublishSync(Event{Type: ResourcesChanged})

	if tools != 2 || resources != 1 {
		t.Errorf("Expected 2 tool and 1 resource events, got %d and %d", tools, resources)
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: SessionClosed})
	bus.PublishSync(Event{Type: SessionClosed})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(e Event) { atomic.AddInt32(&count, 1) })

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	bus.PublishSync(Event{Type: ToolsChanged})
	unsub := bus.Subscribe(ToolsChanged, func(e Event) { atomic.AddInt32(&count, 1) })
	unsub()
	bus.PublishSync(Event{Type: ToolsChanged})

	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("Expected no delivery after close, got %d", got)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()

	var received int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(ToolsChanged, func(e Event) {
				atomic.AddInt32(&received, 1)
			})
			for j := 0; j < 10; j++ {
				bus.PublishSync(Event{Type: ToolsChanged})
			}
			unsub()
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&received) == 0 {
		t.Error("Expected some events to be received")
	}
}

func TestBus_AuditMirrorsEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	msgs, err := bus.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}

	bus.Publish(Event{Type: ApprovalGranted, Data: ApprovalData{SessionID: "s1", Category: "file_operations", Operation: "write.csv", Scope: "session"}})

	select {
	case msg := <-msgs:
		if got := msg.Metadata.Get("type"); got != string(ApprovalGranted) {
			t.Errorf("Expected type %s, got %s", ApprovalGranted, got)
		}
		var decoded struct {
			Type EventType    `json:"type"`
			Data ApprovalData `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if decoded.Data.Operation != "write.csv" {
			t.Errorf("Expected write.csv, got %q", decoded.Data.Operation)
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for audit message")
	}
}

func TestBus_AuditClosesWithBus(t *testing.T) {
	bus := NewBus()

	msgs, err := bus.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	bus.Close()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Audit channel not closed")
	}
}

func TestRunAuditLog(t *testing.T) {
	var buf syncBuffer
	logging.Init(logging.Config{Level: logging.InfoLevel, Output: &buf})

	bus := NewBus()
	defer bus.Close()

	if err := RunAuditLog(context.Background(), bus); err != nil {
		t.Fatalf("RunAuditLog: %v", err)
	}
	bus.Publish(Event{Type: ApprovalGranted, Data: ApprovalData{SessionID: "s1", Category: "network_operations", Operation: "*"}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "network_operations") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Expected approval in audit log, got %q", buf.String())
}

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
