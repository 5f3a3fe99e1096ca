package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const Version = "1.0"

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:     "netbar-terminal",
	Short:   "网吧终端：自动发现服务端并接入会话控制面",
	Version: Version,
	RunE:    runTerminal,
}

// Execute 运行根命令。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config_path", "configs/config.yaml", "配置文件路径（YAML）。如果是目录，则默认读取该目录下的 config.yaml")
	rootCmd.Flags().StringVar(&serverAddr, "server", "", "跳过发现，直连指定服务端（host:port）")
}

func resolveConfigPath(p string) string {
	if p == "" {
		return "configs/config.yaml"
	}
	st, err := os.Stat(p)
	if err != nil {
		return p
	}
	if st.IsDir() {
		return filepath.Join(p, "config.yaml")
	}
	return p
}
