package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"netbar/config"
	neterrors "netbar/errors"
	"netbar/log"
	"netbar/protocol"
	"netbar/status"
)

// termConn 是一条终端控制连接。每次 TCP accept 创建新实例，
// 连接断开后条目只会被淘汰，绝不复活。
type termConn struct {
	addr   string
	conn   net.Conn
	enc    *protocol.Encoder
	closed atomic.Bool
}

// send 发送一条消息（编码器内部已做写互斥）。
func (c *termConn) send(env protocol.Envelope) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.enc.Encode(env)
}

// close 关闭连接（幂等）。
func (c *termConn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.conn.Close()
}

// Registry 是服务端的终端连接注册表：
// 监听控制端口，对每条接入连接派生独立读循环，按远端地址登记在线状态，
// 连接失效时淘汰条目并保留 offline 状态供查询。
type Registry struct {
	cfg        config.ServerConfig
	dispatcher *protocol.Dispatcher

	mu    sync.RWMutex
	conns map[string]*termConn
	state map[string]status.ConnStatus

	ln net.Listener
	wg sync.WaitGroup
}

// NewRegistry 创建连接注册表。
// 参数：
// - cfg: 服务端配置（端口、连接上限、帧上限）
// - dispatcher: 收到的每条消息交给它路由
func NewRegistry(cfg config.ServerConfig, dispatcher *protocol.Dispatcher) *Registry {
	return &Registry{
		cfg:        cfg,
		dispatcher: dispatcher,
		conns:      make(map[string]*termConn),
		state:      make(map[string]status.ConnStatus),
	}
}

// Start 启动 TCP 监听与 accept 循环。
// 参数：
// - ctx: 取消上下文；取消时关闭监听 socket 解除 accept 阻塞
// 返回：
// - error: 监听失败原因
func (r *Registry) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", r.cfg.ControlPort))
	if err != nil {
		return fmt.Errorf("listen control port %d: %w", r.cfg.ControlPort, err)
	}
	r.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.L().WithError(err).Warn("accept 失败，继续")
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handleConn(ctx, conn)
			}()
		}
	}()

	log.With(map[string]any{"port": r.cfg.ControlPort}).Info("控制端口监听已启动")
	return nil
}

// Wait 等待 accept 循环与全部读循环退出。
func (r *Registry) Wait() { r.wg.Wait() }

// handleConn 处理一条终端连接的完整生命周期：
// 登记 -> 读循环逐帧分发 -> 任何错误退出并淘汰。
func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	addr := remoteHost(conn)
	tc := &termConn{
		addr: addr,
		conn: conn,
		enc:  protocol.NewEncoder(conn, int(r.cfg.MaxFrameSize.Int64())),
	}

	if !r.register(tc) {
		log.With(map[string]any{"addr": addr}).Warn("连接数达到上限，拒绝接入")
		tc.close()
		return
	}
	log.With(map[string]any{"addr": addr, "status": "online"}).Info("终端已接入")

	// 取消时强制关闭 socket，解除 Decode 阻塞，保证 Wait 有界返回
	stop := context.AfterFunc(ctx, tc.close)
	defer func() {
		stop()
		r.evict(tc)
		tc.close()
		log.With(map[string]any{"addr": addr, "status": "offline"}).Info("终端已离线")
	}()

	dec := protocol.NewDecoder(conn, int(r.cfg.MaxFrameSize.Int64()))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		env, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			// 帧错误不重同步，直接断开
			log.With(map[string]any{"addr": addr, "code": neterrors.Code(err)}).
				WithError(err).Warn("终端连接读取失败，断开")
			return
		}
		r.dispatcher.Dispatch(env, addr)
	}
}

// register 登记连接；同地址的新连接关闭并替换旧连接。
// 返回：
// - bool: 超过连接上限时为 false
func (r *Registry) register(tc *termConn) bool {
	r.mu.Lock()
	old, dup := r.conns[tc.addr]
	if !dup && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return false
	}
	r.conns[tc.addr] = tc
	r.state[tc.addr] = status.ConnOnline
	r.mu.Unlock()

	if dup {
		log.With(map[string]any{"addr": tc.addr}).Info("同地址新连接替换旧连接")
		old.close()
	}
	return true
}

// evict 淘汰连接条目；状态翻转为 offline 并保留到下次同地址接入。
// 仅当表内仍是本连接时移除（避免误删替换后的新连接）。
func (r *Registry) evict(tc *termConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[tc.addr]; ok && cur == tc {
		delete(r.conns, tc.addr)
		r.state[tc.addr] = status.ConnOffline
	}
}

// Send 向指定地址的终端发送一条消息。
// 返回：
// - bool: 无在线连接或发送失败时为 false（发送失败同时淘汰该连接）
func (r *Registry) Send(addr string, env protocol.Envelope) bool {
	r.mu.RLock()
	tc, ok := r.conns[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := tc.send(env); err != nil {
		log.With(map[string]any{"addr": addr, "type": string(env.Type)}).
			WithError(neterrors.Wrap(neterrors.CodeSendFailure, "send to terminal", err)).
			Warn("向终端发送失败，淘汰连接")
		r.evict(tc)
		tc.close()
		return false
	}
	return true
}

// Broadcast 向全部在线终端尽力广播；单个失败互相隔离。
func (r *Registry) Broadcast(env protocol.Envelope) {
	r.mu.RLock()
	targets := make([]*termConn, 0, len(r.conns))
	for _, tc := range r.conns {
		if !tc.closed.Load() {
			targets = append(targets, tc)
		}
	}
	r.mu.RUnlock()

	for _, tc := range targets {
		if err := tc.send(env); err != nil {
			r.evict(tc)
			tc.close()
		}
	}
}

// ClientStatus 查询某地址的连接状态；从未见过的地址视为 offline。
func (r *Registry) ClientStatus(addr string) status.ConnStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.state[addr]; ok {
		return st
	}
	return status.ConnOffline
}

// Connected 返回当前在线终端地址列表。
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for addr := range r.conns {
		out = append(out, addr)
	}
	return out
}

// remoteHost 提取连接的远端主机部分（不含端口）。
func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
