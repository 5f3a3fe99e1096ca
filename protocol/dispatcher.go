package protocol

import (
	"runtime/debug"
	"sync"

	"netbar/log"
)

// HandlerFunc 处理一条已解码的消息。
// 参数：
// - env: 消息信封
// - origin: 消息来源地址（本地合成消息时为空）
type HandlerFunc func(env Envelope, origin string)

// Dispatcher 按消息类型分发到注册的处理函数。
// 客户端与服务端复用同一实现，只是注册的处理函数不同。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageType]HandlerFunc
}

// NewDispatcher 创建空的分发器。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MessageType]HandlerFunc)}
}

// Register 注册消息处理函数。重复注册同一类型时静默覆盖。
// 参数：
// - t: 消息类型
// - fn: 处理函数
func (d *Dispatcher) Register(t MessageType, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = fn
}

// Dispatch 将消息路由到处理函数。
// 规则：
// - 未知类型记日志后丢弃，不向调用方传播错误
// - 处理函数 panic 在此边界捕获并记日志，绝不终止读循环
// 参数：
// - env: 消息信封
// - origin: 来源地址
func (d *Dispatcher) Dispatch(env Envelope, origin string) {
	d.mu.RLock()
	fn, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if !ok {
		log.With(map[string]any{"type": string(env.Type), "origin": origin}).Warn("未注册的消息类型，已丢弃")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.With(map[string]any{
				"type":   string(env.Type),
				"origin": origin,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("消息处理函数 panic，已在分发边界捕获")
		}
	}()
	fn(env, origin)
}
