// Package events 提供给展示层消费的有界事件队列。
// 核心逻辑不直接回调 UI：状态变迁统一投递到队列，由外层订阅，
// 队列满时丢弃新事件并计数，保证发布方永不阻塞。
package events

import "sync/atomic"

type Queue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// NewQueue 创建一个容量为 size 的事件队列。
// 参数：
// - size: 队列容量（<=0 时取 64）
func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 64
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Publish 非阻塞投递一个事件。
// 返回：
// - bool: 队列已满被丢弃时返回 false
func (q *Queue[T]) Publish(ev T) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C 返回只读事件通道（单消费者）。
func (q *Queue[T]) C() <-chan T { return q.ch }

// Dropped 返回因队列满而被丢弃的事件总数。
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }
