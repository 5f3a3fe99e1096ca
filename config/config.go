package config

import "time"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Name            string        `yaml:"name"`
	ControlPort     int           `yaml:"control_port"`
	Version         string        `yaml:"version"`
	Features        []string      `yaml:"features"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxFrameSize    ByteSize      `yaml:"max_frame_size"`
	StartAckTimeout time.Duration `yaml:"start_ack_timeout"`
	ForceEndTimeout time.Duration `yaml:"force_end_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TerminalConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	ServerAddr        string        `yaml:"server_addr"`
	RatePerHour       float64       `yaml:"rate_per_hour"`
	MaxFrameSize      ByteSize      `yaml:"max_frame_size"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

type DiscoveryConfig struct {
	Port              int           `yaml:"port"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	ServerTimeout     time.Duration `yaml:"server_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	MinVersion        string        `yaml:"min_version"`
	RequiredFeatures  []string      `yaml:"required_features"`
}

type LoggingConfig struct {
	Level    string   `yaml:"level"`
	Format   string   `yaml:"format"`
	Output   string   `yaml:"output"`
	FilePath string   `yaml:"file_path"`
	MaxSize  ByteSize `yaml:"max_size"`
	MaxAge   int      `yaml:"max_age"`
	Compress bool     `yaml:"compress"`
}
