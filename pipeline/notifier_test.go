package pipeline

import "testing"

func TestNotifierCoalesces(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Publish()
	n.Publish()
	n.Publish()

	select {
	case <-ch:
	default:
		t.Fatalf("expected a signal")
	}
	select {
	case <-ch:
		t.Fatalf("bursts should coalesce into one signal")
	default:
	}
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	cancel()
	cancel()

	n.Publish()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
}

func TestNotifierClose(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	n.Close()
	n.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after Close")
	}
	late, _ := n.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribing to a closed notifier should yield a closed channel")
	}
	n.Publish()
}
