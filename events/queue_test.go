package events

import "testing"

// TestQueuePublishConsume 验证事件按序投递。
func TestQueuePublishConsume(t *testing.T) {
	q := NewQueue[int](4)
	for i := 1; i <= 3; i++ {
		if !q.Publish(i) {
			t.Fatalf("publish %d should succeed", i)
		}
	}
	for i := 1; i <= 3; i++ {
		if got := <-q.C(); got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

// TestQueueFullDropsNewest 验证队列满时丢弃新事件并计数，绝不阻塞。
func TestQueueFullDropsNewest(t *testing.T) {
	q := NewQueue[string](2)
	q.Publish("a")
	q.Publish("b")
	if q.Publish("c") {
		t.Fatal("publish into full queue should report drop")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
	if got := <-q.C(); got != "a" {
		t.Fatalf("oldest event lost, got %q", got)
	}
}
