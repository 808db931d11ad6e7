package daemon

import (
	"fmt"
	"testing"
)

func TestBroadcastDelivery(t *testing.T) {
	lb := NewLogBroadcaster(10)

	ch, history := lb.Subscribe(5)
	defer lb.Unsubscribe(ch)
	if len(history) != 0 {
		t.Fatalf("fresh broadcaster should have no history, got %v", history)
	}

	lb.Broadcast("line one\n")
	lb.Broadcast("line two\n")

	if got := <-ch; got != "line one\n" {
		t.Fatalf("first delivery = %q", got)
	}
	if got := <-ch; got != "line two\n" {
		t.Fatalf("second delivery = %q", got)
	}
}

func TestSubscribeReplaysHistoryTail(t *testing.T) {
	lb := NewLogBroadcaster(10)
	for i := 1; i <= 5; i++ {
		lb.Broadcast(fmt.Sprintf("line %d\n", i))
	}

	ch, history := lb.Subscribe(3)
	defer lb.Unsubscribe(ch)

	if len(history) != 3 {
		t.Fatalf("expected 3 history lines, got %d", len(history))
	}
	if history[0] != "line 3\n" || history[2] != "line 5\n" {
		t.Fatalf("history = %v", history)
	}

	// Asking for more than exists returns everything
	ch2, all := lb.Subscribe(100)
	defer lb.Unsubscribe(ch2)
	if len(all) != 5 {
		t.Fatalf("expected full history, got %d lines", len(all))
	}

	// Zero means no replay
	ch3, none := lb.Subscribe(0)
	defer lb.Unsubscribe(ch3)
	if none != nil {
		t.Fatalf("expected no history for 0 lines, got %v", none)
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	lb := NewLogBroadcaster(3)
	for i := 1; i <= 5; i++ {
		lb.Broadcast(fmt.Sprintf("line %d\n", i))
	}

	ch, history := lb.Subscribe(10)
	defer lb.Unsubscribe(ch)

	if len(history) != 3 {
		t.Fatalf("ring should cap at 3, got %d", len(history))
	}
	if history[0] != "line 3\n" || history[2] != "line 5\n" {
		t.Fatalf("history = %v", history)
	}
}

func TestBroadcastSkipsSlowClients(t *testing.T) {
	lb := NewLogBroadcaster(10)

	slow, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(slow)
	fast, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(fast)

	// Fill the slow client's buffer and then some; Broadcast must not block
	for i := 0; i < 150; i++ {
		lb.Broadcast("flood\n")
	}

	if len(slow) != cap(slow) {
		t.Fatalf("slow client buffer should be full: %d/%d", len(slow), cap(slow))
	}
	if len(fast) != cap(fast) {
		t.Fatalf("fast client missed deliveries: %d/%d", len(fast), cap(fast))
	}

	// Drain one slot and confirm delivery resumes for the slow client
	<-slow
	lb.Broadcast("after drain\n")
	drained := false
	for len(slow) > 0 {
		if <-slow == "after drain\n" {
			drained = true
		}
	}
	if !drained {
		t.Fatal("slow client never saw the post-drain line")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	lb := NewLogBroadcaster(10)

	ch, _ := lb.Subscribe(0)
	lb.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}

	// Broadcasting after unsubscribe must not panic on the closed channel
	lb.Broadcast("late line\n")
}

func TestLogWriterForwardsToBroadcaster(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch)

	w := &logWriter{broadcaster: lb}
	n, err := w.Write([]byte("INF hello\n"))
	if err != nil || n != len("INF hello\n") {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if got := <-ch; got != "INF hello\n" {
		t.Fatalf("delivered %q", got)
	}
}
