package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalNotifier_Coalesces(t *testing.T) {
	n := NewLocalNotifier()
	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	n.Notify("a")
	n.Notify("b")
	n.Notify("c")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up")
	}
	select {
	case <-ch:
		t.Fatal("notifications should coalesce into one pending wake-up")
	default:
	}
}

func TestLocalNotifier_Unsubscribe(t *testing.T) {
	n := NewLocalNotifier()
	ch, unsubscribe := n.Subscribe()
	unsubscribe()
	unsubscribe()

	n.Notify("a")
	select {
	case <-ch:
		t.Fatal("unsubscribed channel must not receive")
	default:
	}
	assert.Empty(t, n.subs)
}

func TestLocalNotifier_FanOut(t *testing.T) {
	n := NewLocalNotifier()
	a, ua := n.Subscribe()
	defer ua()
	b, ub := n.Subscribe()
	defer ub()

	n.Notify("")
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("every subscriber should be woken")
		}
	}
}
