package terminal

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"netbar/config"
	neterrors "netbar/errors"
	"netbar/log"
	"netbar/protocol"
	"netbar/status"
)

// heartbeatInterval 是连接存活期间 status_update 心跳的发送间隔。
const heartbeatInterval = 30 * time.Second

// Supervisor 维护终端到服务端的单条控制连接：
// 拨号失败按指数退避重试，连接建立后上报身份，读循环逐帧分发；
// 连接断开时向状态机合成 connection_lost 并回到拨号循环。
type Supervisor struct {
	cfg        config.TerminalConfig
	serverAddr string
	terminalID string
	dispatcher *protocol.Dispatcher

	mu   sync.Mutex
	conn net.Conn
	enc  *protocol.Encoder

	wg sync.WaitGroup
}

// NewSupervisor 创建连接监督器。
// 参数：
// - cfg: 终端配置；ID 为空时生成随机身份
// - serverAddr: 服务端控制地址（host:port），由发现或配置给出
// - dispatcher: 收到的每条消息交给它路由
func NewSupervisor(cfg config.TerminalConfig, serverAddr string, dispatcher *protocol.Dispatcher) *Supervisor {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Supervisor{
		cfg:        cfg,
		serverAddr: serverAddr,
		terminalID: id,
		dispatcher: dispatcher,
	}
}

// TerminalID 返回本终端身份标识。
func (s *Supervisor) TerminalID() string { return s.terminalID }

// Start 启动连接循环。
// 参数：
// - ctx: 取消上下文；取消时关闭当前 socket 解除读阻塞并停止重连
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Wait 等待连接循环退出。
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) run(ctx context.Context) {
	backoff := s.cfg.ReconnectMin
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", s.serverAddr, 5*time.Second)
		if err != nil {
			log.With(map[string]any{"server": s.serverAddr, "retry_in": backoff.String()}).WithError(err).Warn("连接服务端失败")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if max := s.cfg.ReconnectMax; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}
		backoff = s.cfg.ReconnectMin
		if backoff <= 0 {
			backoff = time.Second
		}
		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		// 读循环退出说明连接失效，通知状态机后回到拨号循环
		s.dispatcher.Dispatch(protocol.Envelope{Type: protocol.MsgConnectionLost}, "")
	}
}

// serve 服务一条已建立的连接直到失效。
func (s *Supervisor) serve(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.enc = protocol.NewEncoder(conn, int(s.cfg.MaxFrameSize.Int64()))
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		s.conn = nil
		s.enc = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	log.With(map[string]any{"server": s.serverAddr, "terminal": s.terminalID}).Info("已连接服务端")
	if err := s.announce(); err != nil {
		log.L().WithError(err).Warn("身份上报失败")
		return
	}

	// 心跳循环随连接生命周期启停；发送失败由读循环统一收尾
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-t.C:
				if err := s.announce(); err != nil {
					return
				}
			}
		}
	}()

	dec := protocol.NewDecoder(conn, int(s.cfg.MaxFrameSize.Int64()))
	for {
		env, err := dec.Decode()
		if err != nil {
			if neterrors.Code(err) == neterrors.CodeOversizedMessage {
				// 超限帧已被解码器排空，流仍对齐，继续读
				log.L().WithError(err).Warn("收到超限帧，已丢弃")
				continue
			}
			if ctx.Err() == nil {
				log.L().WithError(err).Warn("连接读取失败")
			}
			return
		}
		s.dispatcher.Dispatch(env, s.serverAddr)
	}
}

// announce 上报身份与在线状态（连接建立时一次，此后作为心跳周期发送）。
func (s *Supervisor) announce() error {
	return s.Send(protocol.Envelope{
		Type: protocol.MsgStatusUpdate,
		Payload: protocol.StatusUpdatePayload{
			TerminalID: s.terminalID,
			Name:       s.cfg.Name,
			Status:     string(status.ConnOnline),
		},
	})
}

// Send 向服务端发送一条消息。
// 返回：
// - error: 当前离线或写入失败原因
func (s *Supervisor) Send(env protocol.Envelope) error {
	s.mu.Lock()
	enc := s.enc
	s.mu.Unlock()
	if enc == nil {
		return neterrors.New(neterrors.CodeSendFailure, "not connected")
	}
	if err := enc.Encode(env); err != nil {
		return neterrors.Wrap(neterrors.CodeSendFailure, "send to server", err)
	}
	return nil
}
