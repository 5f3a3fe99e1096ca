package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netbar/config"
	"netbar/control"
	"netbar/discovery"
	"netbar/log"
	"netbar/protocol"
	"netbar/status"
	"netbar/store"
)

func runServer(cmd *cobra.Command, args []string) error {
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

	st := store.NewMemory()
	if len(st.Tariffs()) == 0 {
		if _, err := st.AddTariff("标准", cfg.Terminal.RatePerHour, "默认计费档位"); err != nil {
			return err
		}
	}

	dispatcher := protocol.NewDispatcher()
	registry := control.NewRegistry(cfg.Server, dispatcher)
	coord := control.NewCoordinator(st, registry, dispatcher,
		cfg.Server.StartAckTimeout, cfg.Server.ForceEndTimeout)

	broadcaster := discovery.NewBroadcaster(cfg.Discovery, discovery.Announcement{
		Name:     cfg.Server.Name,
		Port:     cfg.Server.ControlPort,
		Version:  cfg.Server.Version,
		Status:   status.ServerStarting,
		Features: cfg.Server.Features,
	})

	ctx, cancel := signalContext()
	defer cancel()

	if err := registry.Start(ctx); err != nil {
		return err
	}
	if err := broadcaster.Start(ctx); err != nil {
		// 无可用网口：控制面仍可服务手工配置的终端
		log.L().WithError(err).Warn("发现广播降级运行")
	}
	broadcaster.UpdateInfo(func(a *discovery.Announcement) { a.Status = status.ServerRunning })
	log.With(map[string]any{
		"name":         cfg.Server.Name,
		"control_port": cfg.Server.ControlPort,
		"version":      cfg.Server.Version,
	}).Info("服务端已启动")

	// 事件消费：会话状态变迁落日志，供操作员界面接入
	go func() {
		for ev := range coord.Events().C() {
			log.With(map[string]any{
				"kind":    string(ev.Kind),
				"session": ev.SessionID,
				"addr":    ev.Addr,
				"detail":  ev.Detail,
			}).Info("会话事件")
		}
	}()

	<-ctx.Done()
	log.L().Info("收到退出信号，开始关停")

	done := make(chan struct{})
	go func() {
		registry.Wait()
		broadcaster.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.L().Warn("关停超时，放弃等待剩余协程")
	}
	return nil
}

// signalContext 创建一个可被 SIGINT/SIGTERM 取消的 Context。
// 返回：
// - ctx: 监听信号并在收到信号时取消的上下文
// - cancel: 主动取消函数
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
