package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ByteSize int64

// Int64 返回字节数的 int64 表达。
func (b ByteSize) Int64() int64 { return int64(b) }

// UnmarshalYAML 支持从 YAML 中解析 ByteSize（如 64KB、100MB、1024B）。
// 参数：
// - value: YAML 节点
// 返回：
// - error: 解析失败原因
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*b = 0
		return nil
	}
	v := strings.TrimSpace(value.Value)
	if v == "" {
		*b = 0
		return nil
	}
	n, err := parseByteSize(v)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// parseByteSize 解析形如 "64KB"/"1.5MB" 的字节数文本。
// 参数：
// - s: 字节数文本
// 返回：
// - int64: 字节数
// - error: 解析失败原因
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		mult = 1
		s = strings.TrimSuffix(s, "B")
	}
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(f * float64(mult)), nil
}

// DefaultConfig 返回一份可用的默认配置（用于未提供配置文件或作为缺省值合并）。
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:            "NetBar Server",
			ControlPort:     5001,
			Version:         "1.0.0",
			Features:        []string{"session_management", "payment_processing", "remote_control"},
			MaxConnections:  256,
			MaxFrameSize:    ByteSize(64 * 1024),
			StartAckTimeout: 30 * time.Second,
			ForceEndTimeout: 2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Terminal: TerminalConfig{
			Name:              "terminal",
			RatePerHour:       2.0,
			MaxFrameSize:      ByteSize(64 * 1024),
			InactivityTimeout: 300 * time.Second,
			ReconnectMin:      1 * time.Second,
			ReconnectMax:      30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Port:              5000,
			BroadcastInterval: 5 * time.Second,
			ServerTimeout:     15 * time.Second,
			SweepInterval:     1 * time.Second,
			ProbeInterval:     30 * time.Second,
			ProbeTimeout:      1 * time.Second,
			MinVersion:        "1.0.0",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "console",
			FilePath: "logs/netbar.log",
			MaxSize:  ByteSize(100 * 1024 * 1024),
			MaxAge:   7,
			Compress: true,
		},
	}
}
