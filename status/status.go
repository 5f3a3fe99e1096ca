package status

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ServerStatus string

const (
	ServerStarting ServerStatus = "starting"
	ServerRunning  ServerStatus = "running"
	ServerDegraded ServerStatus = "degraded"
)

// String 返回服务端状态文本。
func (s ServerStatus) String() string { return string(s) }

// ParseServerStatus 将文本解析为 ServerStatus。
// 参数：
// - v: 状态文本（starting/running/degraded）
// 返回：
// - ServerStatus: 解析结果
// - error: 未知状态时返回错误
func ParseServerStatus(v string) (ServerStatus, error) {
	switch strings.TrimSpace(v) {
	case string(ServerStarting):
		return ServerStarting, nil
	case string(ServerRunning):
		return ServerRunning, nil
	case string(ServerDegraded):
		return ServerDegraded, nil
	default:
		return "", fmt.Errorf("unknown ServerStatus: %q", v)
	}
}

// MarshalJSON 将 ServerStatus 编码为 JSON 字符串。
func (s ServerStatus) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 ServerStatus。
func (s *ServerStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseServerStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type ConnStatus string

const (
	ConnOnline  ConnStatus = "online"
	ConnOffline ConnStatus = "offline"
)

// String 返回连接状态文本。
func (s ConnStatus) String() string { return string(s) }

// ParseConnStatus 将文本解析为 ConnStatus。
// 参数：
// - v: 状态文本（online/offline）
// 返回：
// - ConnStatus: 解析结果
// - error: 未知状态时返回错误
func ParseConnStatus(v string) (ConnStatus, error) {
	switch strings.TrimSpace(v) {
	case string(ConnOnline):
		return ConnOnline, nil
	case string(ConnOffline):
		return ConnOffline, nil
	default:
		return "", fmt.Errorf("unknown ConnStatus: %q", v)
	}
}

// MarshalJSON 将 ConnStatus 编码为 JSON 字符串。
func (s ConnStatus) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 ConnStatus。
func (s *ConnStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseConnStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionEnding    SessionStatus = "ending"
	SessionCompleted SessionStatus = "completed"
)

// String 返回会话状态文本。
func (s SessionStatus) String() string { return string(s) }

// ParseSessionStatus 将文本解析为 SessionStatus。
// 参数：
// - v: 状态文本（pending/active/ending/completed）
// 返回：
// - SessionStatus: 解析结果
// - error: 未知状态时返回错误
func ParseSessionStatus(v string) (SessionStatus, error) {
	switch strings.TrimSpace(v) {
	case string(SessionPending):
		return SessionPending, nil
	case string(SessionActive):
		return SessionActive, nil
	case string(SessionEnding):
		return SessionEnding, nil
	case string(SessionCompleted):
		return SessionCompleted, nil
	default:
		return "", fmt.Errorf("unknown SessionStatus: %q", v)
	}
}

// MarshalJSON 将 SessionStatus 编码为 JSON 字符串。
func (s SessionStatus) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 SessionStatus。
func (s *SessionStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseSessionStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TerminalPhase 是终端侧会话影子的阶段（区别于服务端存储的 SessionStatus）。
type TerminalPhase string

const (
	PhaseNone    TerminalPhase = "none"
	PhasePending TerminalPhase = "pending"
	PhaseActive  TerminalPhase = "active"
	PhaseEnding  TerminalPhase = "ending"
)

// String 返回终端阶段文本。
func (p TerminalPhase) String() string { return string(p) }
