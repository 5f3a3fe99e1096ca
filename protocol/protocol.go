package protocol

import "encoding/json"

type MessageType string

const (
	MsgStartSession    MessageType = "start_session"
	MsgSessionStarted  MessageType = "session_started"
	MsgEndSession      MessageType = "end_session"
	MsgSessionEnd      MessageType = "session_end"
	MsgComputerRemoved MessageType = "computer_removed"
	MsgStatusUpdate    MessageType = "status_update"

	// MsgConnectionLost 仅在终端本地合成，不经网络发送。
	MsgConnectionLost MessageType = "connection_lost"
)

type Envelope struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type StartSessionPayload struct {
	SessionID     int64 `json:"session_id"`
	DurationHours int   `json:"duration"`
}

type SessionStartedPayload struct {
	SessionID  int64  `json:"session_id"`
	SessionKey string `json:"session_key"`
}

type EndSessionPayload struct {
	SessionID int64 `json:"session_id"`
	ForceEnd  bool  `json:"force_end"`
}

type SessionEndPayload struct {
	SessionID       int64   `json:"session_id"`
	DurationMinutes int     `json:"duration"`
	Amount          float64 `json:"amount"`
	PaymentMethod   string  `json:"payment_method"`
}

type StatusUpdatePayload struct {
	TerminalID string `json:"terminal_id"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
}

// SealedPayload 承载会话密钥建立后加密传输的载荷。
// session_id 保持明文以便服务端选取解密密钥，sealed 为密文。
type SealedPayload struct {
	SessionID int64  `json:"session_id"`
	Sealed    string `json:"sealed"`
}

// DecodePayload 将信封中的 payload 解析到具体结构。
// 说明：
// - 信封经过一次 JSON 往返后 payload 是 map[string]any，
//   这里用 marshal/unmarshal 转回具体类型（与控制面收包路径一致）。
// 参数：
// - payload: 信封中的 payload 字段
// - out: 目标结构指针
// 返回：
// - error: 解析失败原因
func DecodePayload(payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
