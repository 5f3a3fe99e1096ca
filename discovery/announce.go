package discovery

import (
	"time"

	"netbar/status"
)

// MaxDatagramSize 是发现报文的上限（控制在 MTU 以内）。
const MaxDatagramSize = 1024

// Announcement 是服务端周期性广播的自述报文，每个 tick 重新构造。
type Announcement struct {
	Name     string              `json:"name"`
	Port     int                 `json:"port"`
	Version  string              `json:"version"`
	Status   status.ServerStatus `json:"status"`
	Features []string            `json:"features"`
}

// ServerInfo 是监听端维护的已发现服务端条目，键为 address:port。
type ServerInfo struct {
	ID       string
	Name     string
	Address  string
	Port     int
	Version  string
	Status   status.ServerStatus
	Features []string
	LastSeen time.Time

	// Latency 仅在 LatencyOK 为 true 时有效；探测失败会清除而不会删除条目。
	Latency   time.Duration
	LatencyOK bool
}

// HasFeature 判断条目是否声明了指定能力。
func (s ServerInfo) HasFeature(f string) bool {
	for _, v := range s.Features {
		if v == f {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventServerFound EventKind = "server_found"
	EventServerLost  EventKind = "server_lost"
)

// Event 是发现层向展示层投递的变更通知：
// 同一服务端 id 的 found/lost 各至多触发一次（刷新不重复通知）。
type Event struct {
	Kind   EventKind
	Server ServerInfo
}
