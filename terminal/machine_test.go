package terminal

import (
	"sync"
	"testing"
	"time"

	"netbar/config"
	"netbar/protocol"
	"netbar/secure"
	"netbar/status"
)

// fakeSender 收集状态机发出的消息。
type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	fail bool
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, env)
	return nil
}

var errSendFailed = &sendError{}

type sendError struct{}

func (e *sendError) Error() string { return "send failed" }

func (f *fakeSender) take() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

// fakePayer 可编排的收款协作方。declineFirst 模拟顾客第一次取消。
type fakePayer struct {
	method       string
	ok           bool
	declineFirst bool

	mu    sync.Mutex
	calls int
}

func (f *fakePayer) Collect(amount float64, minutes int) (string, bool) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if f.declineFirst && first {
		return "", false
	}
	return f.method, f.ok
}

func (f *fakePayer) collected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testMachine(t *testing.T, payer *fakePayer) (*Machine, *fakeSender, *protocol.Dispatcher) {
	t.Helper()
	cfg := config.DefaultConfig().Terminal
	cfg.RatePerHour = 2.0
	cfg.InactivityTimeout = time.Hour

	sender := &fakeSender{}
	dispatcher := protocol.NewDispatcher()
	m := NewMachine(cfg, sender, payer, dispatcher)
	t.Cleanup(m.Stop)
	return m, sender, dispatcher
}

func startSession(t *testing.T, m *Machine, sender *fakeSender, d *protocol.Dispatcher, id int64) *secure.Key {
	t.Helper()
	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgStartSession,
		Payload: protocol.StartSessionPayload{SessionID: id, DurationHours: 2},
	}, "192.168.1.1")

	if m.Phase() != status.PhaseActive {
		t.Fatalf("expected active, got %s", m.Phase())
	}
	sent := sender.take()
	if len(sent) != 1 || sent[0].Type != protocol.MsgSessionStarted {
		t.Fatalf("expected session_started ack, got %+v", sent)
	}
	var ack protocol.SessionStartedPayload
	if err := protocol.DecodePayload(sent[0].Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.SessionID != id || ack.SessionKey == "" {
		t.Fatalf("bad ack: %+v", ack)
	}
	key, err := secure.ParseKey(ack.SessionKey)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// TestStartSessionAcksWithKey 验证开始命令触发建钥确认并进入 active。
func TestStartSessionAcksWithKey(t *testing.T) {
	m, sender, d := testMachine(t, &fakePayer{method: "Cash", ok: true})
	startSession(t, m, sender, d, 11)
}

// TestOverlappingStartIgnored 验证已有会话时新的开始命令被忽略。
func TestOverlappingStartIgnored(t *testing.T) {
	m, sender, d := testMachine(t, &fakePayer{method: "Cash", ok: true})
	startSession(t, m, sender, d, 11)

	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgStartSession,
		Payload: protocol.StartSessionPayload{SessionID: 12, DurationHours: 1},
	}, "192.168.1.1")

	if got := sender.take(); len(got) != 0 {
		t.Fatalf("overlapping start must not be acked: %+v", got)
	}
	if m.Phase() != status.PhaseActive {
		t.Fatalf("current session disturbed: %s", m.Phase())
	}
}

// TestServerEndSettlesSealed 验证服务端结束命令走收款并回报加密结算，
// 载荷可用确认时交出的密钥解开。
func TestServerEndSettlesSealed(t *testing.T) {
	payer := &fakePayer{method: "Card", ok: true}
	m, sender, d := testMachine(t, payer)
	key := startSession(t, m, sender, d, 11)

	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgEndSession,
		Payload: protocol.EndSessionPayload{SessionID: 11},
	}, "192.168.1.1")

	if m.Phase() != status.PhaseNone {
		t.Fatalf("expected none after settlement, got %s", m.Phase())
	}
	sent := sender.take()
	if len(sent) != 1 || sent[0].Type != protocol.MsgSessionEnd {
		t.Fatalf("expected session_end, got %+v", sent)
	}
	var sealed protocol.SealedPayload
	if err := protocol.DecodePayload(sent[0].Payload, &sealed); err != nil {
		t.Fatal(err)
	}
	if sealed.SessionID != 11 || sealed.Sealed == "" {
		t.Fatalf("settlement not sealed: %+v", sealed)
	}
	var report protocol.SessionEndPayload
	if err := key.Open(sealed.Sealed, &report); err != nil {
		t.Fatal(err)
	}
	if report.SessionID != 11 || report.PaymentMethod != "Card" || report.DurationMinutes < 1 {
		t.Fatalf("bad report: %+v", report)
	}
}

// TestPaymentDeclinedKeepsSessionActive 验证顾客取消结算后会话继续。
func TestPaymentDeclinedKeepsSessionActive(t *testing.T) {
	payer := &fakePayer{ok: false}
	m, sender, d := testMachine(t, payer)
	startSession(t, m, sender, d, 11)

	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgEndSession,
		Payload: protocol.EndSessionPayload{SessionID: 11},
	}, "192.168.1.1")

	if m.Phase() != status.PhaseActive {
		t.Fatalf("declined payment must keep session active, got %s", m.Phase())
	}
	if got := sender.take(); len(got) != 0 {
		t.Fatalf("no settlement should be reported: %+v", got)
	}
}

// TestDeclinedPaymentRearmsCountdown 验证取消结算回到 active 后
// 倒计时按剩余购买时长重挂：时长已耗尽时立刻再次走结束路径，
// 第二次收款成功即完成结算。
func TestDeclinedPaymentRearmsCountdown(t *testing.T) {
	payer := &fakePayer{method: "Cash", ok: true, declineFirst: true}
	m, sender, d := testMachine(t, payer)

	// 购买时长为零：倒计时立即触发结束
	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgStartSession,
		Payload: protocol.StartSessionPayload{SessionID: 11, DurationHours: 0},
	}, "192.168.1.1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if payer.collected() >= 2 && m.Phase() == status.PhaseNone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := payer.collected(); got < 2 {
		t.Fatalf("countdown not rearmed after declined payment, collect calls = %d", got)
	}
	if m.Phase() != status.PhaseNone {
		t.Fatalf("expected settlement after retry, got %s", m.Phase())
	}

	var end *protocol.Envelope
	for _, env := range sender.take() {
		if env.Type == protocol.MsgSessionEnd {
			e := env
			end = &e
		}
	}
	if end == nil {
		t.Fatal("session_end not reported after retry")
	}
}

// TestForceEndOverridesDeclinedPayment 验证强制结束不受取消影响，
// 结算按未结清记账回报。
func TestForceEndOverridesDeclinedPayment(t *testing.T) {
	payer := &fakePayer{ok: false}
	m, sender, d := testMachine(t, payer)
	key := startSession(t, m, sender, d, 11)

	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgEndSession,
		Payload: protocol.EndSessionPayload{SessionID: 11, ForceEnd: true},
	}, "192.168.1.1")

	if m.Phase() != status.PhaseNone {
		t.Fatalf("force end must settle, got %s", m.Phase())
	}
	sent := sender.take()
	if len(sent) != 1 || sent[0].Type != protocol.MsgSessionEnd {
		t.Fatalf("expected session_end, got %+v", sent)
	}
	var sealed protocol.SealedPayload
	_ = protocol.DecodePayload(sent[0].Payload, &sealed)
	var report protocol.SessionEndPayload
	if err := key.Open(sealed.Sealed, &report); err != nil {
		t.Fatal(err)
	}
	if report.PaymentMethod != "Unsettled" {
		t.Fatalf("expected unsettled marker, got %q", report.PaymentMethod)
	}
}

// TestEndSessionWrongIDIgnored 验证结束命令与当前会话不符时被忽略。
func TestEndSessionWrongIDIgnored(t *testing.T) {
	m, sender, d := testMachine(t, &fakePayer{method: "Cash", ok: true})
	startSession(t, m, sender, d, 11)

	d.Dispatch(protocol.Envelope{
		Type:    protocol.MsgEndSession,
		Payload: protocol.EndSessionPayload{SessionID: 99},
	}, "192.168.1.1")

	if m.Phase() != status.PhaseActive {
		t.Fatalf("mismatched end must be ignored, got %s", m.Phase())
	}
	if got := sender.take(); len(got) != 0 {
		t.Fatalf("no settlement expected: %+v", got)
	}
}

// TestEndLocal 验证顾客本机结束走同一条结算路径。
func TestEndLocal(t *testing.T) {
	m, sender, d := testMachine(t, &fakePayer{method: "Cash", ok: true})
	startSession(t, m, sender, d, 11)

	m.EndLocal()
	if m.Phase() != status.PhaseNone {
		t.Fatalf("expected none, got %s", m.Phase())
	}
	sent := sender.take()
	if len(sent) != 1 || sent[0].Type != protocol.MsgSessionEnd {
		t.Fatalf("expected session_end, got %+v", sent)
	}
}

// TestStartAckSendFailureResets 验证确认发送失败时回到 none，
// 不留下半建立的会话。
func TestStartAckSendFailureResets(t *testing.T) {
	sender := &fakeSender{fail: true}
	cfg := config.DefaultConfig().Terminal
	dispatcher := protocol.NewDispatcher()
	m := NewMachine(cfg, sender, &fakePayer{ok: true}, dispatcher)
	t.Cleanup(m.Stop)

	dispatcher.Dispatch(protocol.Envelope{
		Type:    protocol.MsgStartSession,
		Payload: protocol.StartSessionPayload{SessionID: 11, DurationHours: 1},
	}, "192.168.1.1")

	if m.Phase() != status.PhaseNone {
		t.Fatalf("failed ack must reset phase, got %s", m.Phase())
	}
}

// TestRemovedPublishesEvent 验证下线命令通过事件队列上抛。
func TestRemovedPublishesEvent(t *testing.T) {
	m, _, d := testMachine(t, &fakePayer{ok: true})
	d.Dispatch(protocol.Envelope{Type: protocol.MsgComputerRemoved}, "192.168.1.1")

	select {
	case ev := <-m.Events().C():
		if ev.Kind != EventRemoved {
			t.Fatalf("expected removed event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("removed event not published")
	}
}
