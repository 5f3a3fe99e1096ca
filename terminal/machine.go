package terminal

import (
	"sync"
	"time"

	"netbar/config"
	"netbar/events"
	"netbar/log"
	"netbar/protocol"
	"netbar/secure"
	"netbar/status"
)

// Sender 把消息送回服务端。由连接监督器实现。
type Sender interface {
	Send(env protocol.Envelope) error
}

// Payer 是结算时的收款协作方（控制台确认、刷卡器等）。
// Collect 返回支付方式与是否完成；返回 false 表示顾客取消。
type Payer interface {
	Collect(amount float64, minutes int) (method string, ok bool)
}

type TerminalEventKind string

const (
	EventSessionBegan      TerminalEventKind = "session_began"
	EventSessionEnded      TerminalEventKind = "session_ended"
	EventPaymentDeclined   TerminalEventKind = "payment_declined"
	EventInactivityWarning TerminalEventKind = "inactivity_warning"
	EventRemoved           TerminalEventKind = "removed"
)

// TerminalEvent 是终端状态机向展示层投递的通知。
type TerminalEvent struct {
	Kind      TerminalEventKind
	SessionID int64
	Detail    string
}

// endReason 标记结束会话的触发方。
type endReason string

const (
	endByCountdown endReason = "countdown"
	endByServer    endReason = "server"
	endByLocal     endReason = "local"
)

// Machine 是终端侧的会话影子状态机。
// 它不持有权威记录：服务端的存储才是账本，这里只维护
// 当前会话的本地视图（阶段、密钥、倒计时）并驱动结算回报。
// 不变式：任一时刻至多一个会话；已有会话时新的开始命令被忽略。
type Machine struct {
	cfg    config.TerminalConfig
	sender Sender
	payer  Payer

	mu         sync.Mutex
	phase      status.TerminalPhase
	sessionID  int64
	key        *secure.Key
	startedAt  time.Time
	endAt      time.Time
	countdown  *time.Timer
	inactivity *time.Timer

	queue *events.Queue[TerminalEvent]
}

// NewMachine 创建终端状态机并在分发器上注册消息处理函数。
// 参数：
// - cfg: 终端配置（费率、闲置超时）
// - sender: 回发通道
// - payer: 收款协作方
// - dispatcher: 控制面分发器
func NewMachine(cfg config.TerminalConfig, sender Sender, payer Payer, dispatcher *protocol.Dispatcher) *Machine {
	m := &Machine{
		cfg:    cfg,
		sender: sender,
		payer:  payer,
		phase:  status.PhaseNone,
		queue:  events.NewQueue[TerminalEvent](64),
	}
	dispatcher.Register(protocol.MsgStartSession, m.handleStartSession)
	dispatcher.Register(protocol.MsgEndSession, m.handleEndSession)
	dispatcher.Register(protocol.MsgComputerRemoved, m.handleRemoved)
	dispatcher.Register(protocol.MsgConnectionLost, m.handleConnectionLost)
	return m
}

// Events 返回终端事件队列（单消费者）。
func (m *Machine) Events() *events.Queue[TerminalEvent] { return m.queue }

// Phase 返回当前会话阶段。
func (m *Machine) Phase() status.TerminalPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// handleStartSession 服务端下发开始命令：
// 派生会话密钥 -> 明文确认（首帧即密钥移交，无法用尚未移交的密钥加密）
// -> 进入 active 并挂倒计时与闲置看护。
// 已在会话中时忽略命令，保持现有会话不受影响。
func (m *Machine) handleStartSession(env protocol.Envelope, origin string) {
	var p protocol.StartSessionPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.L().WithError(err).Warn("start_session 载荷非法")
		return
	}

	m.mu.Lock()
	if m.phase != status.PhaseNone {
		cur := m.sessionID
		m.mu.Unlock()
		log.With(map[string]any{"session": p.SessionID, "current": cur}).Warn("已有会话进行中，忽略新的开始命令")
		return
	}
	m.phase = status.PhasePending
	m.mu.Unlock()

	key, err := secure.NewSessionKey()
	if err != nil {
		m.mu.Lock()
		m.phase = status.PhaseNone
		m.mu.Unlock()
		log.L().WithError(err).Error("派生会话密钥失败")
		return
	}

	err = m.sender.Send(protocol.Envelope{
		Type:    protocol.MsgSessionStarted,
		Payload: protocol.SessionStartedPayload{SessionID: p.SessionID, SessionKey: key.Encode()},
	})
	if err != nil {
		m.mu.Lock()
		m.phase = status.PhaseNone
		m.mu.Unlock()
		log.With(map[string]any{"session": p.SessionID}).WithError(err).Warn("会话确认发送失败")
		return
	}

	m.mu.Lock()
	m.phase = status.PhaseActive
	m.sessionID = p.SessionID
	m.key = key
	m.startedAt = time.Now()
	m.endAt = m.startedAt.Add(time.Duration(p.DurationHours) * time.Hour)
	m.countdown = time.AfterFunc(time.Until(m.endAt), func() {
		m.endSession(endByCountdown, false)
	})
	m.armInactivityLocked()
	m.mu.Unlock()

	log.With(map[string]any{"session": p.SessionID, "hours": p.DurationHours}).Info("会话已开始")
	m.queue.Publish(TerminalEvent{Kind: EventSessionBegan, SessionID: p.SessionID})
}

// handleEndSession 服务端下发结束命令。
func (m *Machine) handleEndSession(env protocol.Envelope, origin string) {
	var p protocol.EndSessionPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.L().WithError(err).Warn("end_session 载荷非法")
		return
	}

	m.mu.Lock()
	if m.phase != status.PhaseActive || m.sessionID != p.SessionID {
		cur := m.sessionID
		m.mu.Unlock()
		log.With(map[string]any{"session": p.SessionID, "current": cur}).Warn("结束命令与当前会话不符，已忽略")
		return
	}
	m.mu.Unlock()

	m.endSession(endByServer, p.ForceEnd)
}

// EndLocal 顾客在终端本机发起结束。
func (m *Machine) EndLocal() {
	m.mu.Lock()
	if m.phase != status.PhaseActive {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.endSession(endByLocal, false)
}

// endSession 统一的结束路径：
// - 计算经过时长与应收金额
// - 收款；顾客取消且非强制时回到 active，会话继续
// - 结算载荷用会话密钥加密后回报服务端
func (m *Machine) endSession(reason endReason, force bool) {
	m.mu.Lock()
	if m.phase != status.PhaseActive {
		m.mu.Unlock()
		return
	}
	m.phase = status.PhaseEnding
	id := m.sessionID
	key := m.key
	started := m.startedAt
	if m.countdown != nil {
		m.countdown.Stop()
	}
	if m.inactivity != nil {
		m.inactivity.Stop()
	}
	m.mu.Unlock()

	minutes := int(time.Since(started).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	amount := float64(minutes) / 60 * m.cfg.RatePerHour

	method, paid := m.payer.Collect(amount, minutes)
	if !paid && !force {
		// 顾客取消结算：回到 active，按剩余购买时长重挂倒计时
		// （已超时则立刻再次触发结束）
		m.mu.Lock()
		m.phase = status.PhaseActive
		m.countdown = time.AfterFunc(time.Until(m.endAt), func() {
			m.endSession(endByCountdown, false)
		})
		m.armInactivityLocked()
		m.mu.Unlock()
		log.With(map[string]any{"session": id, "amount": amount}).Info("顾客取消结算，会话继续")
		m.queue.Publish(TerminalEvent{Kind: EventPaymentDeclined, SessionID: id})
		return
	}
	if !paid {
		method = "Unsettled"
	}

	payload := protocol.SessionEndPayload{
		SessionID:       id,
		DurationMinutes: minutes,
		Amount:          amount,
		PaymentMethod:   method,
	}
	sealed, err := key.Seal(payload)
	if err != nil {
		log.With(map[string]any{"session": id}).WithError(err).Error("结算载荷加密失败")
	} else {
		err = m.sender.Send(protocol.Envelope{
			Type:    protocol.MsgSessionEnd,
			Payload: protocol.SealedPayload{SessionID: id, Sealed: sealed},
		})
		if err != nil {
			log.With(map[string]any{"session": id}).WithError(err).Warn("结算回报发送失败，服务端将兜底完结")
		}
	}

	m.mu.Lock()
	m.phase = status.PhaseNone
	m.sessionID = 0
	m.key = nil
	m.countdown = nil
	m.inactivity = nil
	m.mu.Unlock()

	log.With(map[string]any{
		"session": id,
		"reason":  string(reason),
		"minutes": minutes,
		"amount":  amount,
		"method":  method,
	}).Info("会话已结束")
	m.queue.Publish(TerminalEvent{Kind: EventSessionEnded, SessionID: id, Detail: string(reason)})
}

// handleRemoved 服务端把本终端下线：通知展示层退出。
func (m *Machine) handleRemoved(env protocol.Envelope, origin string) {
	log.L().Warn("服务端已将本终端下线")
	m.queue.Publish(TerminalEvent{Kind: EventRemoved})
}

// handleConnectionLost 连接丢失（本地合成消息）：
// 会话照常计时，等重连后由服务端命令或倒计时驱动结束。
func (m *Machine) handleConnectionLost(env protocol.Envelope, origin string) {
	m.mu.Lock()
	phase := m.phase
	id := m.sessionID
	m.mu.Unlock()
	if phase == status.PhaseActive {
		log.With(map[string]any{"session": id}).Warn("连接丢失，会话本地继续计时")
	}
}

// Activity 上报一次本机活动，重置闲置看护。
func (m *Machine) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == status.PhaseActive {
		m.armInactivityLocked()
	}
}

// armInactivityLocked 重挂闲置看护计时（持锁调用）。
// 超时只告警不结束会话。
func (m *Machine) armInactivityLocked() {
	if m.cfg.InactivityTimeout <= 0 {
		return
	}
	if m.inactivity != nil {
		m.inactivity.Stop()
	}
	m.inactivity = time.AfterFunc(m.cfg.InactivityTimeout, func() {
		m.mu.Lock()
		id := m.sessionID
		active := m.phase == status.PhaseActive
		if active {
			// 告警后重置自身时钟，不结束会话
			m.armInactivityLocked()
		}
		m.mu.Unlock()
		if !active {
			return
		}
		log.With(map[string]any{"session": id, "timeout": m.cfg.InactivityTimeout.String()}).Warn("终端长时间无活动")
		m.queue.Publish(TerminalEvent{Kind: EventInactivityWarning, SessionID: id})
	})
}

// Stop 停止状态机内部计时器（进程退出路径）。
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countdown != nil {
		m.countdown.Stop()
	}
	if m.inactivity != nil {
		m.inactivity.Stop()
	}
}
