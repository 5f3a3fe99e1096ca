package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"

	"netbar/config"
	"netbar/events"
	"netbar/log"
	"netbar/status"
)

// probeFunc 对一个已发现服务端做一次有界超时的连通性探测，
// 成功时返回往返耗时。测试中可注入替身。
type probeFunc func(addr string, port int, timeout time.Duration) (time.Duration, error)

// Listener 在发现端口上持续接收广播，维护已知服务端注册表：
// 刷新 last_seen、超时清扫、周期性延迟探测，并向事件队列投递
// found/lost 通知（每个 id 各至多一次）。
type Listener struct {
	cfg        config.DiscoveryConfig
	minVersion *goversion.Version

	mu      sync.RWMutex
	servers map[string]*ServerInfo

	queue *events.Queue[Event]
	probe probeFunc

	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewListener 创建发现监听器。
// 参数：
// - cfg: 发现层配置（端口、超时、探测周期与接受谓词）
// 返回：
// - *Listener: 监听器
// - error: min_version 非法时返回配置错误
func NewListener(cfg config.DiscoveryConfig) (*Listener, error) {
	l := &Listener{
		cfg:     cfg,
		servers: make(map[string]*ServerInfo),
		queue:   events.NewQueue[Event](128),
		probe:   tcpProbe,
	}
	if cfg.MinVersion != "" {
		v, err := goversion.NewVersion(cfg.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min_version %q: %w", cfg.MinVersion, err)
		}
		l.minVersion = v
	}
	return l, nil
}

// Events 返回事件队列（单消费者，由展示层订阅）。
func (l *Listener) Events() *events.Queue[Event] { return l.queue }

// Start 绑定发现端口并启动接收、清扫与探测三个循环。
// 参数：
// - ctx: 取消上下文；取消时关闭 socket 以解除阻塞读
// 返回：
// - error: 端口绑定失败原因
func (l *Listener) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: l.cfg.Port})
	if err != nil {
		return fmt.Errorf("bind discovery port %d: %w", l.cfg.Port, err)
	}
	l.conn = conn

	l.wg.Add(3)
	go l.recvLoop(ctx)
	go l.sweepLoop(ctx)
	go l.probeLoop(ctx)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	log.With(map[string]any{"port": l.cfg.Port}).Info("发现监听已启动")
	return nil
}

// Wait 等待全部后台循环退出。
func (l *Listener) Wait() { l.wg.Wait() }

// recvLoop 接收广播数据报：解析失败只记日志，循环永不因单包崩溃。
func (l *Listener) recvLoop(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// 周期性超时以便检查取消
		_ = l.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.L().WithError(err).Warn("发现端口读取失败")
			time.Sleep(1 * time.Second)
			continue
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			log.With(map[string]any{"from": addr.IP.String()}).WithError(err).Debug("非法发现报文，已忽略")
			continue
		}
		if !l.accepts(ann) {
			continue
		}
		l.upsert(ann, addr.IP.String())
	}
}

// accepts 应用接受谓词：声明版本 >= 约束版本，且能力集为要求集的超集。
func (l *Listener) accepts(ann Announcement) bool {
	if l.minVersion != nil {
		v, err := goversion.NewVersion(ann.Version)
		if err != nil {
			log.With(map[string]any{"version": ann.Version}).Debug("发现报文版本号非法，已拒绝")
			return false
		}
		if v.Compare(l.minVersion) < 0 {
			return false
		}
	}
	for _, want := range l.cfg.RequiredFeatures {
		found := false
		for _, f := range ann.Features {
			if f == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// upsert 以 address:port 为键写入注册表。
// 新条目投递一次 ServerFound；已有条目只刷新，不重复通知。
func (l *Listener) upsert(ann Announcement, addr string) {
	id := fmt.Sprintf("%s:%d", addr, ann.Port)
	now := time.Now()

	l.mu.Lock()
	existing, known := l.servers[id]
	if known {
		existing.Name = ann.Name
		existing.Version = ann.Version
		existing.Status = ann.Status
		existing.Features = ann.Features
		existing.LastSeen = now
		l.mu.Unlock()
		return
	}
	info := &ServerInfo{
		ID:       id,
		Name:     ann.Name,
		Address:  addr,
		Port:     ann.Port,
		Version:  ann.Version,
		Status:   ann.Status,
		Features: ann.Features,
		LastSeen: now,
	}
	l.servers[id] = info
	snapshot := *info
	l.mu.Unlock()

	log.With(map[string]any{"server": id, "name": ann.Name}).Info("发现新服务端")
	l.queue.Publish(Event{Kind: EventServerFound, Server: snapshot})
}

// sweepLoop 周期性清扫超时条目：删除与 ServerLost 通知一并完成，
// 对并发查询保持原子（不暴露半更新状态）。
func (l *Listener) sweepLoop(ctx context.Context) {
	defer l.wg.Done()

	t := time.NewTicker(l.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweep()
		}
	}
}

// sweep 执行一次超时清扫。
func (l *Listener) sweep() {
	cutoff := time.Now().Add(-l.cfg.ServerTimeout)

	l.mu.Lock()
	var lost []ServerInfo
	for id, s := range l.servers {
		if s.LastSeen.Before(cutoff) {
			lost = append(lost, *s)
			delete(l.servers, id)
		}
	}
	l.mu.Unlock()

	for _, s := range lost {
		log.With(map[string]any{"server": s.ID}).Info("服务端广播超时，已移除")
		l.queue.Publish(Event{Kind: EventServerLost, Server: s})
	}
}

// probeLoop 周期性探测每个已知服务端的控制端口延迟。
// 探测失败只清除延迟，绝不移除条目（移除只由超时清扫负责）。
func (l *Listener) probeLoop(ctx context.Context) {
	defer l.wg.Done()

	t := time.NewTicker(l.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.probeAll()
		}
	}
}

// probeAll 对注册表快照逐个执行有界超时探测并写回结果。
func (l *Listener) probeAll() {
	l.mu.RLock()
	snapshot := make([]ServerInfo, 0, len(l.servers))
	for _, s := range l.servers {
		snapshot = append(snapshot, *s)
	}
	l.mu.RUnlock()

	for _, s := range snapshot {
		rtt, err := l.probe(s.Address, s.Port, l.cfg.ProbeTimeout)

		l.mu.Lock()
		cur, ok := l.servers[s.ID]
		if !ok {
			l.mu.Unlock()
			continue
		}
		if err != nil {
			cur.Latency = 0
			cur.LatencyOK = false
		} else {
			cur.Latency = rtt
			cur.LatencyOK = true
		}
		l.mu.Unlock()

		if err != nil {
			log.With(map[string]any{"server": s.ID}).WithError(err).Debug("延迟探测失败")
		}
	}
}

// Servers 返回当前注册表快照。
func (l *Listener) Servers() []ServerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ServerInfo, 0, len(l.servers))
	for _, s := range l.servers {
		out = append(out, *s)
	}
	return out
}

// Lookup 按 id 查询条目。
func (l *Listener) Lookup(id string) (ServerInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.servers[id]
	if !ok {
		return ServerInfo{}, false
	}
	return *s, true
}

// BestServer 在 status=running 且已有延迟数据的条目中取延迟最小者。
// 纯查询，不做任何连接尝试。
// 返回：
// - ServerInfo: 最优条目
// - bool: 候选集为空时为 false
func (l *Listener) BestServer() (ServerInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best *ServerInfo
	for _, s := range l.servers {
		if s.Status != status.ServerRunning || !s.LatencyOK {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return ServerInfo{}, false
	}
	return *best, true
}

// tcpProbe 以一次有界超时的 TCP 连接-关闭测量往返耗时。
func tcpProbe(addr string, port int, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, port), timeout)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start), nil
}
