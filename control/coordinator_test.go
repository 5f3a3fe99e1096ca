package control

import (
	"context"
	"testing"
	"time"

	"netbar/config"
	"netbar/log"
	"netbar/protocol"
	"netbar/secure"
	"netbar/status"
	"netbar/store"
)

// testRig 组装一套可用的服务端：存储、注册表、协调器，
// 外加一条已接入的假终端连接。
type testRig struct {
	st    *store.Memory
	reg   *Registry
	coord *Coordinator

	compID   int64
	tariffID int64

	enc *protocol.Encoder
	dec *protocol.Decoder

	stop func()
}

func startTestRig(t *testing.T, ackTimeout, forceTimeout time.Duration) *testRig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Output = "console"
	_ = log.Init(cfg.Logging)
	cfg.Server.ControlPort = freeTCPPort(t)

	st := store.NewMemory()
	compID, err := st.AddComputer("1号机", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	tariffID, err := st.AddTariff("标准", 2.0, "")
	if err != nil {
		t.Fatal(err)
	}

	dispatcher := protocol.NewDispatcher()
	reg := NewRegistry(cfg.Server, dispatcher)
	coord := NewCoordinator(st, reg, dispatcher, ackTimeout, forceTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}

	conn := dialControl(t, cfg.Server.ControlPort, "")
	waitFor(t, 2*time.Second, func() bool { return len(reg.Connected()) == 1 }, "terminal not registered")

	return &testRig{
		st:       st,
		reg:      reg,
		coord:    coord,
		compID:   compID,
		tariffID: tariffID,
		enc:      protocol.NewEncoder(conn, 0),
		dec:      protocol.NewDecoder(conn, 0),
		stop: func() {
			_ = conn.Close()
			cancel()
			reg.Wait()
		},
	}
}

// readType 读取并断言下一条消息的类型。
func (r *testRig) readType(t *testing.T, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	env, err := r.dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != want {
		t.Fatalf("expected %s, got %s", want, env.Type)
	}
	return env
}

func waitCoordEvent(t *testing.T, c *Coordinator, want SessionEventKind) SessionEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events().C():
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

// TestSessionLifecycleEndToEnd 验证完整流程：
// 开台下发 -> 终端确认建钥 -> 加密结算回报 -> 存储落账与支付记录。
func TestSessionLifecycleEndToEnd(t *testing.T) {
	rig := startTestRig(t, 5*time.Second, 5*time.Second)
	defer rig.stop()

	sid, err := rig.coord.StartSession(rig.compID, rig.tariffID, 2)
	if err != nil {
		t.Fatal(err)
	}

	env := rig.readType(t, protocol.MsgStartSession)
	var start protocol.StartSessionPayload
	if err := protocol.DecodePayload(env.Payload, &start); err != nil {
		t.Fatal(err)
	}
	if start.SessionID != sid || start.DurationHours != 2 {
		t.Fatalf("bad start payload: %+v", start)
	}

	key, err := secure.NewSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	_ = rig.enc.Encode(protocol.Envelope{
		Type:    protocol.MsgSessionStarted,
		Payload: protocol.SessionStartedPayload{SessionID: sid, SessionKey: key.Encode()},
	})
	waitCoordEvent(t, rig.coord, EventSessionActive)
	if s, _ := rig.st.Session(sid); s.Status != status.SessionActive.String() {
		t.Fatalf("expected active, got %s", s.Status)
	}

	sealed, err := key.Seal(protocol.SessionEndPayload{
		SessionID:       sid,
		DurationMinutes: 120,
		Amount:          4.0,
		PaymentMethod:   "Cash",
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = rig.enc.Encode(protocol.Envelope{
		Type:    protocol.MsgSessionEnd,
		Payload: protocol.SealedPayload{SessionID: sid, Sealed: sealed},
	})
	waitCoordEvent(t, rig.coord, EventSessionCompleted)

	s, _ := rig.st.Session(sid)
	if s.Status != status.SessionCompleted.String() || s.DurationMinutes != 120 || s.AmountPaid != 4.0 {
		t.Fatalf("bad settled session: %+v", s)
	}
	pays := rig.st.Payments(sid)
	if len(pays) != 1 || pays[0].Amount != 4.0 || pays[0].Method != "Cash" {
		t.Fatalf("bad payments: %+v", pays)
	}
	if len(rig.coord.TrackedSessions()) != 0 {
		t.Fatal("settled session still tracked")
	}
}

// TestStartAckTimeoutCancels 验证终端不确认时 pending 记录被取消。
func TestStartAckTimeoutCancels(t *testing.T) {
	rig := startTestRig(t, 150*time.Millisecond, 5*time.Second)
	defer rig.stop()

	sid, err := rig.coord.StartSession(rig.compID, rig.tariffID, 1)
	if err != nil {
		t.Fatal(err)
	}
	rig.readType(t, protocol.MsgStartSession)

	waitCoordEvent(t, rig.coord, EventSessionStartFailed)
	if _, ok := rig.st.Session(sid); ok {
		t.Fatal("unacked session should be canceled")
	}
	if len(rig.coord.TrackedSessions()) != 0 {
		t.Fatal("canceled session still tracked")
	}
}

// TestForceEndFallbackCompletes 验证强制结束后终端不回报时，
// 服务端按经过时长兜底完结且金额为零。
func TestForceEndFallbackCompletes(t *testing.T) {
	rig := startTestRig(t, 5*time.Second, 200*time.Millisecond)
	defer rig.stop()

	sid, err := rig.coord.StartSession(rig.compID, rig.tariffID, 1)
	if err != nil {
		t.Fatal(err)
	}
	rig.readType(t, protocol.MsgStartSession)

	key, _ := secure.NewSessionKey()
	_ = rig.enc.Encode(protocol.Envelope{
		Type:    protocol.MsgSessionStarted,
		Payload: protocol.SessionStartedPayload{SessionID: sid, SessionKey: key.Encode()},
	})
	waitCoordEvent(t, rig.coord, EventSessionActive)

	if err := rig.coord.EndSession(sid, true); err != nil {
		t.Fatal(err)
	}
	env := rig.readType(t, protocol.MsgEndSession)
	var end protocol.EndSessionPayload
	_ = protocol.DecodePayload(env.Payload, &end)
	if !end.ForceEnd {
		t.Fatalf("expected force_end, got %+v", end)
	}

	waitCoordEvent(t, rig.coord, EventSessionForceCompleted)
	s, _ := rig.st.Session(sid)
	if s.Status != status.SessionCompleted.String() || s.AmountPaid != 0 {
		t.Fatalf("bad fallback settlement: %+v", s)
	}
}

// TestUnknownSessionReportIgnored 验证未知会话的结算回报被忽略，
// 不影响存储也不中断连接。
func TestUnknownSessionReportIgnored(t *testing.T) {
	rig := startTestRig(t, 5*time.Second, 5*time.Second)
	defer rig.stop()

	_ = rig.enc.Encode(protocol.Envelope{
		Type:    protocol.MsgSessionEnd,
		Payload: protocol.SessionEndPayload{SessionID: 999, DurationMinutes: 10, Amount: 1},
	})

	// 连接应保持可用：随后的正常流程不受影响
	sid, err := rig.coord.StartSession(rig.compID, rig.tariffID, 1)
	if err != nil {
		t.Fatal(err)
	}
	rig.readType(t, protocol.MsgStartSession)
	if _, ok := rig.st.Session(sid); !ok {
		t.Fatal("session record missing")
	}
}

// TestPlaintextReportAfterKeyRefused 验证建钥后的明文结算被拒绝。
func TestPlaintextReportAfterKeyRefused(t *testing.T) {
	rig := startTestRig(t, 5*time.Second, 5*time.Second)
	defer rig.stop()

	sid, _ := rig.coord.StartSession(rig.compID, rig.tariffID, 1)
	rig.readType(t, protocol.MsgStartSession)

	key, _ := secure.NewSessionKey()
	_ = rig.enc.Encode(protocol.Envelope{
		Type:    protocol.MsgSessionStarted,
		Payload: protocol.SessionStartedPayload{SessionID: sid, SessionKey: key.Encode()},
	})
	waitCoordEvent(t, rig.coord, EventSessionActive)

	_ = rig.enc.Encode(protocol.Envelope{
		Type:    protocol.MsgSessionEnd,
		Payload: protocol.SessionEndPayload{SessionID: sid, DurationMinutes: 1, Amount: 1, PaymentMethod: "Cash"},
	})
	time.Sleep(200 * time.Millisecond)
	if s, _ := rig.st.Session(sid); s.Status != status.SessionActive.String() {
		t.Fatalf("plaintext report must not settle the session: %+v", s)
	}
	if len(rig.coord.TrackedSessions()) != 1 {
		t.Fatal("session should stay tracked")
	}
}

// TestStartSessionOfflineTerminal 验证终端离线时开台返回通知失败，
// 记录仍写入并由确认超时取消。
// TestStartSessionInvalidDuration 验证非正时长直接拒绝，
// 不写入记录也不下发命令。
func TestStartSessionInvalidDuration(t *testing.T) {
	rig := startTestRig(t, time.Second, time.Second)
	defer rig.stop()

	for _, hours := range []int{0, -1} {
		sid, err := rig.coord.StartSession(rig.compID, rig.tariffID, hours)
		if err == nil {
			t.Fatalf("duration %d hours must be rejected", hours)
		}
		if sid != 0 {
			t.Fatalf("no session id expected, got %d", sid)
		}
	}
	if n := len(rig.coord.TrackedSessions()); n != 0 {
		t.Fatalf("no session should be tracked, got %d", n)
	}
	if n := len(rig.st.ActiveSessions()); n != 0 {
		t.Fatalf("no record should be written, got %d", n)
	}
}

func TestStartSessionOfflineTerminal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Output = "console"
	_ = log.Init(cfg.Logging)
	cfg.Server.ControlPort = freeTCPPort(t)

	st := store.NewMemory()
	compID, _ := st.AddComputer("1号机", "10.9.9.9")
	tariffID, _ := st.AddTariff("标准", 2.0, "")

	dispatcher := protocol.NewDispatcher()
	reg := NewRegistry(cfg.Server, dispatcher)
	coord := NewCoordinator(st, reg, dispatcher, 100*time.Millisecond, time.Second)

	sid, err := coord.StartSession(compID, tariffID, 1)
	if err == nil {
		t.Fatal("expected notify failure for offline terminal")
	}
	if sid == 0 {
		t.Fatal("record should be written before notify")
	}
	waitCoordEvent(t, coord, EventSessionStartFailed)
	if _, ok := st.Session(sid); ok {
		t.Fatal("unacked session should be canceled")
	}
}
