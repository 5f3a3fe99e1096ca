package control

import (
	"fmt"
	"sync"
	"time"

	neterrors "netbar/errors"
	"netbar/events"
	"netbar/log"
	"netbar/protocol"
	"netbar/secure"
	"netbar/store"
)

type SessionEventKind string

const (
	EventSessionActive         SessionEventKind = "session_active"
	EventSessionStartFailed    SessionEventKind = "session_start_failed"
	EventSessionCompleted      SessionEventKind = "session_completed"
	EventSessionForceCompleted SessionEventKind = "session_force_completed"
	EventTerminalStatus        SessionEventKind = "terminal_status"
	EventNotifyFailed          SessionEventKind = "notify_failed"
)

// SessionEvent 是会话协调器向展示层投递的状态变迁通知。
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID int64
	Addr      string
	Detail    string
}

// tracked 是服务端对一个未完结会话的跟踪状态。
// 密钥由终端在确认时交来（能力移交），整个会话生命周期内不变。
type tracked struct {
	sessionID int64
	addr      string
	startedAt time.Time
	key       *secure.Key

	ackTimer   *time.Timer
	forceTimer *time.Timer
}

// Coordinator 是服务端的会话生命周期状态机：
// 操作员发起开始/结束命令，终端确认与结算消息驱动存储落账。
// 存储写入与网络通知是相互独立的尽力而为操作，任何一方失败
// 都如实上报而不回滚另一方。
type Coordinator struct {
	st       store.Store
	registry *Registry

	ackTimeout   time.Duration
	forceTimeout time.Duration

	mu      sync.Mutex
	tracked map[int64]*tracked

	queue *events.Queue[SessionEvent]
}

// NewCoordinator 创建会话协调器并注册消息处理函数。
// 参数：
// - st: 存储协作方
// - registry: 连接注册表
// - dispatcher: 控制面分发器
// - ackTimeout: 开始命令的确认超时（超时取消 pending 记录）
// - forceTimeout: 强制结束后的兜底完结超时
func NewCoordinator(st store.Store, registry *Registry, dispatcher *protocol.Dispatcher, ackTimeout, forceTimeout time.Duration) *Coordinator {
	c := &Coordinator{
		st:           st,
		registry:     registry,
		ackTimeout:   ackTimeout,
		forceTimeout: forceTimeout,
		tracked:      make(map[int64]*tracked),
		queue:        events.NewQueue[SessionEvent](128),
	}
	dispatcher.Register(protocol.MsgSessionStarted, c.handleSessionStarted)
	dispatcher.Register(protocol.MsgSessionEnd, c.handleSessionEnd)
	dispatcher.Register(protocol.MsgStatusUpdate, c.handleStatusUpdate)
	return c
}

// Events 返回会话事件队列（单消费者）。
func (c *Coordinator) Events() *events.Queue[SessionEvent] { return c.queue }

// StartSession 操作员发起一次计时会话。
// 流程：
// - 先写入 pending 会话记录，再向终端发送 start_session
// - 发送失败不回滚已写记录，而是通过错误与事件如实上报
//   （终端可能离线，记录由确认超时负责取消）
// 参数：
// - computerID/tariffID: 终端与计费档位
// - durationHours: 时长（小时）
// 返回：
// - int64: 会话 id（记录已写入时即有效，即使通知失败）
// - error: 存储失败或通知失败原因
func (c *Coordinator) StartSession(computerID, tariffID int64, durationHours int) (int64, error) {
	if durationHours <= 0 {
		return 0, fmt.Errorf("invalid duration: %d hours", durationHours)
	}
	comp, ok := c.st.Computer(computerID)
	if !ok {
		return 0, neterrors.New(neterrors.CodeUnknownSession, fmt.Sprintf("unknown computer: %d", computerID))
	}
	id, err := c.st.StartSession(computerID, tariffID)
	if err != nil {
		return 0, err
	}

	tr := &tracked{sessionID: id, addr: comp.Addr, startedAt: time.Now()}
	tr.ackTimer = time.AfterFunc(c.ackTimeout, func() { c.ackExpired(id) })
	c.mu.Lock()
	c.tracked[id] = tr
	c.mu.Unlock()

	ok = c.registry.Send(comp.Addr, protocol.Envelope{
		Type:    protocol.MsgStartSession,
		Payload: protocol.StartSessionPayload{SessionID: id, DurationHours: durationHours},
	})
	if !ok {
		c.queue.Publish(SessionEvent{Kind: EventNotifyFailed, SessionID: id, Addr: comp.Addr, Detail: "start_session 未能送达，终端可能离线"})
		return id, neterrors.New(neterrors.CodeSendFailure, "could not notify terminal, it may be offline")
	}
	log.With(map[string]any{"session": id, "addr": comp.Addr, "hours": durationHours}).Info("会话开始命令已下发")
	return id, nil
}

// ackExpired 确认超时：取消 pending 记录并通知展示层。
func (c *Coordinator) ackExpired(id int64) {
	c.mu.Lock()
	tr, ok := c.tracked[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.tracked, id)
	c.mu.Unlock()

	if err := c.st.CancelSession(id); err != nil {
		log.With(map[string]any{"session": id}).WithError(err).Warn("取消未确认会话失败")
	}
	log.With(map[string]any{"session": id, "addr": tr.addr}).Warn("会话开始未获终端确认，已取消")
	c.queue.Publish(SessionEvent{Kind: EventSessionStartFailed, SessionID: id, Addr: tr.addr, Detail: "终端未确认"})
}

// handleSessionStarted 终端确认会话开始：
// 收存终端交来的会话密钥，pending -> active。
// 未知会话 id 记为协议违例，忽略不崩溃。
func (c *Coordinator) handleSessionStarted(env protocol.Envelope, origin string) {
	var p protocol.SessionStartedPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.With(map[string]any{"origin": origin}).WithError(err).Warn("session_started 载荷非法")
		return
	}

	c.mu.Lock()
	tr, ok := c.tracked[p.SessionID]
	if !ok {
		c.mu.Unlock()
		log.With(map[string]any{"session": p.SessionID, "origin": origin, "code": neterrors.CodeProtocolViolation}).
			Warn("收到未知会话的确认，已忽略")
		return
	}
	if tr.ackTimer != nil {
		tr.ackTimer.Stop()
		tr.ackTimer = nil
	}
	key, err := secure.ParseKey(p.SessionKey)
	if err != nil {
		c.mu.Unlock()
		log.With(map[string]any{"session": p.SessionID, "origin": origin}).WithError(err).Warn("会话密钥非法，确认被拒绝")
		return
	}
	tr.key = key
	c.mu.Unlock()

	if err := c.st.MarkSessionActive(p.SessionID); err != nil {
		log.With(map[string]any{"session": p.SessionID}).WithError(err).Warn("会话置活失败")
		return
	}
	log.With(map[string]any{"session": p.SessionID, "addr": origin}).Info("终端已确认会话开始")
	c.queue.Publish(SessionEvent{Kind: EventSessionActive, SessionID: p.SessionID, Addr: origin})
}

// EndSession 操作员发起结束命令。
// 记录的完结仍等待终端的 session_end 回报（至少一次语义）；
// force 时另起兜底计时，超时由服务端按经过时长自行完结。
// 参数：
// - sessionID: 会话 id
// - force: 是否强制（终端侧确认仅作展示，不可取消）
// 返回：
// - error: 未知会话或通知失败原因
func (c *Coordinator) EndSession(sessionID int64, force bool) error {
	c.mu.Lock()
	tr, ok := c.tracked[sessionID]
	if !ok {
		c.mu.Unlock()
		return neterrors.New(neterrors.CodeUnknownSession, fmt.Sprintf("unknown session: %d", sessionID))
	}
	addr := tr.addr
	if force && tr.forceTimer == nil {
		tr.forceTimer = time.AfterFunc(c.forceTimeout, func() { c.forceExpired(sessionID) })
	}
	c.mu.Unlock()

	sent := c.registry.Send(addr, protocol.Envelope{
		Type:    protocol.MsgEndSession,
		Payload: protocol.EndSessionPayload{SessionID: sessionID, ForceEnd: force},
	})
	if !sent {
		c.queue.Publish(SessionEvent{Kind: EventNotifyFailed, SessionID: sessionID, Addr: addr, Detail: "end_session 未能送达，终端可能离线"})
		return neterrors.New(neterrors.CodeSendFailure, "could not notify terminal, it may be offline")
	}
	log.With(map[string]any{"session": sessionID, "addr": addr, "force": force}).Info("会话结束命令已下发")
	return nil
}

// forceExpired 强制结束兜底：终端迟迟不回报时由服务端完结记录，
// 金额记零并标记未结算。
func (c *Coordinator) forceExpired(id int64) {
	c.mu.Lock()
	tr, ok := c.tracked[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.tracked, id)
	c.mu.Unlock()

	elapsed := int(time.Since(tr.startedAt).Minutes())
	if err := c.st.EndSession(id, elapsed, 0); err != nil {
		log.With(map[string]any{"session": id}).WithError(err).Warn("兜底完结会话失败")
		return
	}
	log.With(map[string]any{"session": id, "minutes": elapsed}).Warn("终端未回报结算，服务端已兜底完结（未结算）")
	c.queue.Publish(SessionEvent{Kind: EventSessionForceCompleted, SessionID: id, Addr: tr.addr, Detail: "unsettled"})
}

// handleSessionEnd 终端回报结算：
// 有密钥则要求密文载荷，解开后落账并记支付；
// 未知会话 id 记为协议违例，忽略。
func (c *Coordinator) handleSessionEnd(env protocol.Envelope, origin string) {
	p, err := c.decodeSessionEnd(env)
	if err != nil {
		log.With(map[string]any{"origin": origin, "code": neterrors.Code(err)}).WithError(err).Warn("session_end 载荷非法，已忽略")
		return
	}

	c.mu.Lock()
	tr, ok := c.tracked[p.SessionID]
	if ok {
		if tr.ackTimer != nil {
			tr.ackTimer.Stop()
		}
		if tr.forceTimer != nil {
			tr.forceTimer.Stop()
		}
		delete(c.tracked, p.SessionID)
	}
	c.mu.Unlock()

	if !ok {
		log.With(map[string]any{"session": p.SessionID, "origin": origin, "code": neterrors.CodeUnknownSession}).
			Warn("收到未知会话的结算，已忽略")
		return
	}

	if err := c.st.EndSession(p.SessionID, p.DurationMinutes, p.Amount); err != nil {
		log.With(map[string]any{"session": p.SessionID}).WithError(err).Warn("会话落账失败")
		return
	}
	if _, err := c.st.AddPayment(p.SessionID, p.Amount, p.PaymentMethod); err != nil {
		log.With(map[string]any{"session": p.SessionID}).WithError(err).Warn("写入支付记录失败")
	}
	log.With(map[string]any{
		"session": p.SessionID,
		"minutes": p.DurationMinutes,
		"amount":  p.Amount,
		"method":  p.PaymentMethod,
	}).Info("会话已结算完结")
	c.queue.Publish(SessionEvent{Kind: EventSessionCompleted, SessionID: p.SessionID, Addr: origin})
}

// decodeSessionEnd 解出结算载荷：
// 会话已有密钥时载荷必须为密文（sealed），否则接受明文。
func (c *Coordinator) decodeSessionEnd(env protocol.Envelope) (protocol.SessionEndPayload, error) {
	var sealed protocol.SealedPayload
	if err := protocol.DecodePayload(env.Payload, &sealed); err == nil && sealed.Sealed != "" {
		c.mu.Lock()
		tr, ok := c.tracked[sealed.SessionID]
		var key *secure.Key
		if ok {
			key = tr.key
		}
		c.mu.Unlock()
		if !ok || key == nil {
			return protocol.SessionEndPayload{}, neterrors.New(neterrors.CodeUnknownSession, "sealed payload for unknown session key")
		}
		var p protocol.SessionEndPayload
		if err := key.Open(sealed.Sealed, &p); err != nil {
			return protocol.SessionEndPayload{}, neterrors.Wrap(neterrors.CodeProtocolViolation, "open sealed session_end", err)
		}
		return p, nil
	}

	var p protocol.SessionEndPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		return protocol.SessionEndPayload{}, neterrors.Wrap(neterrors.CodeFraming, "decode session_end", err)
	}

	c.mu.Lock()
	tr, ok := c.tracked[p.SessionID]
	hasKey := ok && tr.key != nil
	c.mu.Unlock()
	if hasKey {
		// 已建密钥的会话不接受明文结算
		return protocol.SessionEndPayload{}, neterrors.New(neterrors.CodeProtocolViolation, "plaintext session_end after key establishment")
	}
	return p, nil
}

// handleStatusUpdate 终端心跳/状态上报：刷新存储中的终端状态行。
func (c *Coordinator) handleStatusUpdate(env protocol.Envelope, origin string) {
	var p protocol.StatusUpdatePayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.With(map[string]any{"origin": origin}).WithError(err).Debug("status_update 载荷非法")
		return
	}
	comp, ok := c.st.ComputerByAddr(origin)
	if !ok {
		// 未登记的终端自动登记，便于操作员后续开台
		name := p.Name
		if name == "" {
			name = p.TerminalID
		}
		id, err := c.st.AddComputer(name, origin)
		if err != nil {
			log.With(map[string]any{"origin": origin}).WithError(err).Debug("自动登记终端失败")
			return
		}
		comp, _ = c.st.Computer(id)
		log.With(map[string]any{"addr": origin, "terminal": p.TerminalID}).Info("新终端已自动登记")
	}
	if err := c.st.UpdateComputerStatus(comp.ID, p.Status); err != nil {
		log.With(map[string]any{"addr": origin}).WithError(err).Debug("更新终端状态失败")
		return
	}
	c.queue.Publish(SessionEvent{Kind: EventTerminalStatus, Addr: origin, Detail: p.Status})
}

// RemoveComputer 下线并删除一台终端：
// 先尽力通知终端自我退出（失败不阻断），再从存储删除；
// 存在进行中会话时存储层会拒绝。
func (c *Coordinator) RemoveComputer(computerID int64) error {
	comp, ok := c.st.Computer(computerID)
	if !ok {
		return fmt.Errorf("unknown computer: %d", computerID)
	}
	if sent := c.registry.Send(comp.Addr, protocol.Envelope{Type: protocol.MsgComputerRemoved}); !sent {
		log.With(map[string]any{"addr": comp.Addr}).Warn("computer_removed 未能送达")
	}
	return c.st.RemoveComputer(computerID)
}

// TrackedSessions 返回当前被跟踪（未完结）的会话 id 列表。
func (c *Coordinator) TrackedSessions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.tracked))
	for id := range c.tracked {
		out = append(out, id)
	}
	return out
}
