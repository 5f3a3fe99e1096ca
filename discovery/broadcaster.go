package discovery

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"netbar/config"
	neterrors "netbar/errors"
	"netbar/log"
	"netbar/status"
)

// iface 是一个可用于广播的本机网口快照（启动时枚举一次）。
type iface struct {
	name      string
	localIP   net.IP
	broadcast net.IP
}

// Broadcaster 周期性在每个可用网口上以 UDP 广播服务端自述报文。
type Broadcaster struct {
	cfg config.DiscoveryConfig

	mu   sync.Mutex
	info Announcement

	ifaces []iface
	socks  []*net.UDPConn

	wg sync.WaitGroup
}

// NewBroadcaster 创建广播器。
// 参数：
// - cfg: 发现层配置（端口与广播间隔）
// - info: 初始自述报文（状态一般为 starting）
func NewBroadcaster(cfg config.DiscoveryConfig, info Announcement) *Broadcaster {
	return &Broadcaster{cfg: cfg, info: info, ifaces: enumerateInterfaces()}
}

// UpdateInfo 修改自述报文，变更在下一个广播 tick 生效。
// 参数：
// - mutate: 对当前报文的就地修改函数
func (b *Broadcaster) UpdateInfo(mutate func(*Announcement)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mutate(&b.info)
}

// Start 启动广播循环。
// 规则：
// - 单个网口建 socket 或发送失败只记日志并跳过，其余网口继续
// - 全部网口不可用时报告 NoUsableInterfaces 但不退出，下个 tick 重试建 socket
// 参数：
// - ctx: 取消上下文
// 返回：
// - error: 仅当本机完全没有枚举到网口时返回（服务可据此降级，不必退出）
func (b *Broadcaster) Start(ctx context.Context) error {
	b.openSockets()
	usable := len(b.socks)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.closeSockets()

		t := time.NewTicker(b.cfg.BroadcastInterval)
		defer t.Stop()

		b.tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.tick()
			}
		}
	}()

	if usable == 0 {
		return neterrors.New(neterrors.CodeNoUsableInterfaces, "no usable broadcast interfaces")
	}
	return nil
}

// Wait 等待广播循环退出（配合 ctx 取消使用）。
func (b *Broadcaster) Wait() { b.wg.Wait() }

// tick 执行一次广播：序列化当前报文并发往每个网口的广播地址。
func (b *Broadcaster) tick() {
	if len(b.socks) == 0 {
		log.With(map[string]any{"status": "no_usable_interfaces"}).Warn("没有可用广播网口，本轮跳过并重试建立")
		b.mu.Lock()
		b.info.Status = status.ServerDegraded
		b.mu.Unlock()
		b.openSockets()
		if len(b.socks) == 0 {
			return
		}
	}

	b.mu.Lock()
	raw, err := json.Marshal(b.info)
	b.mu.Unlock()
	if err != nil {
		log.L().WithError(err).Error("序列化发现报文失败")
		return
	}
	if len(raw) > MaxDatagramSize {
		log.With(map[string]any{"size": len(raw)}).Error("发现报文超过数据报上限，已丢弃")
		return
	}

	for i, sock := range b.socks {
		dst := &net.UDPAddr{IP: b.ifaces[i].broadcast, Port: b.cfg.Port}
		if _, err := sock.WriteToUDP(raw, dst); err != nil {
			log.With(map[string]any{"iface": b.ifaces[i].name, "status": "broadcast_error"}).
				WithError(err).Warn("网口广播发送失败，跳过该网口")
		}
	}
}

// openSockets 为每个已枚举网口建立发送 socket，失败的网口跳过。
func (b *Broadcaster) openSockets() {
	if len(b.socks) > 0 {
		return
	}
	var socks []*net.UDPConn
	var usable []iface
	for _, ifc := range b.ifaces {
		sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ifc.localIP, Port: 0})
		if err != nil {
			log.With(map[string]any{"iface": ifc.name, "status": "socket_error"}).
				WithError(neterrors.Wrap(neterrors.CodeDiscoveryIO, "open broadcast socket", err)).
				Warn("网口 socket 建立失败，跳过该网口")
			continue
		}
		socks = append(socks, sock)
		usable = append(usable, ifc)
	}
	b.socks = socks
	b.ifaces = usable
	if len(socks) > 0 {
		log.With(map[string]any{"interfaces": len(socks)}).Info("发现广播网口就绪")
	}
}

// closeSockets 关闭全部发送 socket。
func (b *Broadcaster) closeSockets() {
	for _, s := range b.socks {
		_ = s.Close()
	}
	b.socks = nil
}

// enumerateInterfaces 枚举本机支持广播的 IPv4 网口，计算各自广播地址。
func enumerateInterfaces() []iface {
	var out []iface
	nis, err := net.Interfaces()
	if err != nil {
		log.L().WithError(err).Error("枚举网口失败")
		return nil
	}
	for _, ni := range nis {
		if ni.Flags&net.FlagUp == 0 || ni.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := net.IP(ipn.Mask).To4()
			if mask == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, iface{name: ni.Name, localIP: ip4, broadcast: bcast})
		}
	}
	return out
}
