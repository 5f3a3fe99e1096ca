package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netbar/config"
	"netbar/discovery"
	"netbar/log"
	"netbar/protocol"
	"netbar/terminal"
)

func runTerminal(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := log.Init(cfg.Logging); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	addr := serverAddr
	if addr == "" {
		addr = cfg.Terminal.ServerAddr
	}
	if addr == "" {
		addr, err = discoverServer(ctx, cfg.Discovery)
		if err != nil {
			return err
		}
	}

	dispatcher := protocol.NewDispatcher()
	sup := terminal.NewSupervisor(cfg.Terminal, addr, dispatcher)
	machine := terminal.NewMachine(cfg.Terminal, sup, consolePayer{}, dispatcher)

	go func() {
		for ev := range machine.Events().C() {
			log.With(map[string]any{
				"kind":    string(ev.Kind),
				"session": ev.SessionID,
				"detail":  ev.Detail,
			}).Info("终端事件")
			if ev.Kind == terminal.EventRemoved {
				log.L().Warn("本终端已被服务端下线，退出")
				cancel()
			}
		}
	}()

	sup.Start(ctx)
	log.With(map[string]any{"server": addr, "terminal": sup.TerminalID()}).Info("终端已启动")

	<-ctx.Done()
	log.L().Info("收到退出信号，开始关停")
	machine.Stop()

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.L().Warn("关停超时，放弃等待连接协程")
	}
	return nil
}

// discoverServer 通过 UDP 发现选择服务端地址。
// 首个可用服务端出现后再等一轮延迟探测，选延迟最低者；
// 探测尚无结果时退回首个发现的条目。
func discoverServer(ctx context.Context, cfg config.DiscoveryConfig) (string, error) {
	lis, err := discovery.NewListener(cfg)
	if err != nil {
		return "", err
	}
	lctx, lcancel := context.WithCancel(ctx)
	defer func() {
		lcancel()
		lis.Wait()
	}()
	if err := lis.Start(lctx); err != nil {
		return "", err
	}

	log.With(map[string]any{"port": cfg.Port}).Info("正在搜索局域网内的服务端")
	var first discovery.ServerInfo
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ev := <-lis.Events().C():
		if ev.Kind != discovery.EventServerFound {
			return "", fmt.Errorf("unexpected discovery event: %s", ev.Kind)
		}
		first = ev.Server
	}

	// 留出收取其余广播与延迟探测的窗口
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(2 * cfg.BroadcastInterval):
	}

	chosen := first
	if best, ok := lis.BestServer(); ok {
		chosen = best
	}
	log.With(map[string]any{
		"name":    chosen.Name,
		"address": chosen.Address,
		"port":    chosen.Port,
	}).Info("已选定服务端")
	return fmt.Sprintf("%s:%d", chosen.Address, chosen.Port), nil
}

// consolePayer 是无人值守的收款协作方：直接按现金记账。
type consolePayer struct{}

func (consolePayer) Collect(amount float64, minutes int) (string, bool) {
	log.With(map[string]any{"amount": amount, "minutes": minutes}).Info("按现金完成结算")
	return "Cash", true
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
