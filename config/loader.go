package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件读取并解析配置，并做基础校验与默认值补齐。
// 参数：
// - path: 配置文件路径
// 返回：
// - Config: 合并默认值后的配置
// - error: 读取/解析/校验失败原因
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验配置字段合法性（端口、超时、帧大小与日志输出等）。
// 参数：
// - cfg: 待校验配置
// 返回：
// - error: 校验失败原因
func Validate(cfg Config) error {
	if cfg.Server.ControlPort <= 0 || cfg.Server.ControlPort > 65535 {
		return fmt.Errorf("invalid server.control_port: %d", cfg.Server.ControlPort)
	}
	if cfg.Discovery.Port <= 0 || cfg.Discovery.Port > 65535 {
		return fmt.Errorf("invalid discovery.port: %d", cfg.Discovery.Port)
	}
	if cfg.Discovery.Port == cfg.Server.ControlPort {
		return fmt.Errorf("discovery.port and server.control_port must differ: %d", cfg.Discovery.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("invalid server.max_connections: %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.MaxFrameSize.Int64() < 1024 {
		return fmt.Errorf("invalid server.max_frame_size: %d", cfg.Server.MaxFrameSize.Int64())
	}
	if cfg.Server.StartAckTimeout <= 0 {
		return fmt.Errorf("invalid server.start_ack_timeout: %s", cfg.Server.StartAckTimeout)
	}
	if cfg.Server.ForceEndTimeout <= 0 {
		return fmt.Errorf("invalid server.force_end_timeout: %s", cfg.Server.ForceEndTimeout)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid server.shutdown_timeout: %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Discovery.BroadcastInterval <= 0 {
		return fmt.Errorf("invalid discovery.broadcast_interval: %s", cfg.Discovery.BroadcastInterval)
	}
	if cfg.Discovery.ServerTimeout <= cfg.Discovery.BroadcastInterval {
		return fmt.Errorf("discovery.server_timeout must exceed broadcast_interval: %s", cfg.Discovery.ServerTimeout)
	}
	if cfg.Discovery.SweepInterval <= 0 || cfg.Discovery.ProbeInterval <= 0 || cfg.Discovery.ProbeTimeout <= 0 {
		return fmt.Errorf("invalid discovery intervals")
	}
	if cfg.Terminal.MaxFrameSize.Int64() < 1024 {
		return fmt.Errorf("invalid terminal.max_frame_size: %d", cfg.Terminal.MaxFrameSize.Int64())
	}
	if cfg.Terminal.RatePerHour < 0 {
		return fmt.Errorf("invalid terminal.rate_per_hour: %f", cfg.Terminal.RatePerHour)
	}
	if cfg.Terminal.InactivityTimeout <= 0 {
		return fmt.Errorf("invalid terminal.inactivity_timeout: %s", cfg.Terminal.InactivityTimeout)
	}
	if cfg.Terminal.ReconnectMin <= 0 || cfg.Terminal.ReconnectMax < cfg.Terminal.ReconnectMin {
		return fmt.Errorf("invalid terminal reconnect backoff: %s-%s", cfg.Terminal.ReconnectMin, cfg.Terminal.ReconnectMax)
	}
	if cfg.Logging.Output == "file" && cfg.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output=file")
	}
	return nil
}
