package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"stockbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "cli", SenderID: "u1", Content: "2330"})

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "2330" {
			t.Errorf("expected content 2330, got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	var got atomic.Value
	b.OnOutbound("line", func(msg domain.OutboundMessage) {
		got.Store(msg.Content)
	})

	b.SendOutbound(domain.OutboundMessage{Channel: "line", Content: "hello"})

	if v, _ := got.Load().(string); v != "hello" {
		t.Errorf("expected hello, got %q", v)
	}
}

func TestInMemoryBus_OutboundNoHandler(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	// Must not panic when no handler is registered.
	b.SendOutbound(domain.OutboundMessage{Channel: "unknown", Content: "x"})
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(10, testLogger())
	b.Close()

	// Must not panic.
	b.Publish(domain.InboundMessage{Channel: "cli", Content: "late"})
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var received int32
	eb.On(EventIntentClassified, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventIntentClassified, Payload: map[string]any{"intent": "stock_query"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventAdapterCalled})
	eb.Emit(Event{Type: EventAdapterFailed})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	id := eb.On(EventMessageSent, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventMessageSent})
	eb.Off(EventMessageSent, id)
	eb.Emit(Event{Type: EventMessageSent})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_HandlerPanicRecovered(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.On(EventAdapterFailed, func(e Event) {
		panic("boom")
	})

	var after int32
	eb.On(EventAdapterFailed, func(e Event) {
		atomic.AddInt32(&after, 1)
	})

	eb.Emit(Event{Type: EventAdapterFailed})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after panicking handler should still run")
	}
}
