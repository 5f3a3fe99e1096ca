package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"netbar/status"
)

// Memory 是 Store 的进程内实现，供服务端单机运行与测试使用。
type Memory struct {
	mu        sync.RWMutex
	nextID    int64
	computers map[int64]Computer
	tariffs   map[int64]Tariff
	sessions  map[int64]Session
	payments  []Payment
}

// NewMemory 创建空的内存存储。
func NewMemory() *Memory {
	return &Memory{
		nextID:    1,
		computers: make(map[int64]Computer),
		tariffs:   make(map[int64]Tariff),
		sessions:  make(map[int64]Session),
	}
}

// id 分配下一个自增 id（调用方需持锁）。
func (m *Memory) id() int64 {
	v := m.nextID
	m.nextID++
	return v
}

// AddComputer 登记一台终端。
// 参数：
// - name: 终端名称
// - addr: 终端地址（注册表键）
// 返回：
// - int64: 终端 id
// - error: 地址重复时返回错误
func (m *Memory) AddComputer(name, addr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.computers {
		if c.Addr == addr {
			return 0, fmt.Errorf("computer addr already registered: %s", addr)
		}
	}
	id := m.id()
	m.computers[id] = Computer{ID: id, Name: name, Addr: addr, Status: status.ConnOffline.String()}
	return id, nil
}

// RemoveComputer 删除终端；存在进行中会话时拒绝。
func (m *Memory) RemoveComputer(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.computers[id]; !ok {
		return fmt.Errorf("unknown computer: %d", id)
	}
	for _, s := range m.sessions {
		if s.ComputerID == id && s.Status != status.SessionCompleted.String() {
			return fmt.Errorf("computer %d has an open session", id)
		}
	}
	delete(m.computers, id)
	return nil
}

// Computer 按 id 查询终端。
func (m *Memory) Computer(id int64) (Computer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.computers[id]
	return c, ok
}

// ComputerByAddr 按地址查询终端。
func (m *Memory) ComputerByAddr(addr string) (Computer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.computers {
		if c.Addr == addr {
			return c, true
		}
	}
	return Computer{}, false
}

// Computers 返回全部终端（按 id 排序的快照）。
func (m *Memory) Computers() []Computer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Computer, 0, len(m.computers))
	for _, c := range m.computers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateComputerStatus 更新终端状态并刷新 last_seen。
func (m *Memory) UpdateComputerStatus(id int64, st string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.computers[id]
	if !ok {
		return fmt.Errorf("unknown computer: %d", id)
	}
	c.Status = st
	c.LastSeen = time.Now()
	m.computers[id] = c
	return nil
}

// AddTariff 新增一个计费档位。
func (m *Memory) AddTariff(name string, pricePerHour float64, description string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.tariffs[id] = Tariff{ID: id, Name: name, PricePerHour: pricePerHour, Description: description, Active: true}
	return id, nil
}

// Tariff 按 id 查询计费档位。
func (m *Memory) Tariff(id int64) (Tariff, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tariffs[id]
	return t, ok
}

// Tariffs 返回全部启用中的计费档位。
func (m *Memory) Tariffs() []Tariff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tariff, 0, len(m.tariffs))
	for _, t := range m.tariffs {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartSession 写入 pending 会话记录。
// 参数：
// - computerID/tariffID: 关联的终端与计费档位
// 返回：
// - int64: 会话 id
// - error: 终端或档位不存在，或该终端已有未完成会话
func (m *Memory) StartSession(computerID, tariffID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.computers[computerID]; !ok {
		return 0, fmt.Errorf("unknown computer: %d", computerID)
	}
	if _, ok := m.tariffs[tariffID]; !ok {
		return 0, fmt.Errorf("unknown tariff: %d", tariffID)
	}
	for _, s := range m.sessions {
		if s.ComputerID == computerID && s.Status != status.SessionCompleted.String() {
			return 0, fmt.Errorf("computer %d already has session %d", computerID, s.ID)
		}
	}
	id := m.id()
	m.sessions[id] = Session{
		ID:         id,
		ComputerID: computerID,
		TariffID:   tariffID,
		StartTime:  time.Now(),
		Status:     status.SessionPending.String(),
	}
	return id, nil
}

// MarkSessionActive 将 pending 会话置为 active（终端确认后）。
func (m *Memory) MarkSessionActive(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %d", id)
	}
	if s.Status != status.SessionPending.String() {
		return fmt.Errorf("session %d not pending: %s", id, s.Status)
	}
	s.Status = status.SessionActive.String()
	m.sessions[id] = s
	return nil
}

// CancelSession 删除从未被确认的会话记录。
func (m *Memory) CancelSession(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %d", id)
	}
	if s.Status != status.SessionPending.String() {
		return fmt.Errorf("session %d not pending: %s", id, s.Status)
	}
	delete(m.sessions, id)
	return nil
}

// EndSession 写入最终时长与金额并置为 completed。
func (m *Memory) EndSession(id int64, durationMinutes int, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %d", id)
	}
	if s.Status == status.SessionCompleted.String() {
		return fmt.Errorf("session %d already completed", id)
	}
	s.EndTime = time.Now()
	s.DurationMinutes = durationMinutes
	s.AmountPaid = amount
	s.Status = status.SessionCompleted.String()
	m.sessions[id] = s
	return nil
}

// Session 按 id 查询会话。
func (m *Memory) Session(id int64) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ActiveSessions 返回全部未完成会话。
func (m *Memory) ActiveSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status != status.SessionCompleted.String() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddPayment 追加一条支付记录。
func (m *Memory) AddPayment(sessionID int64, amount float64, method string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return 0, fmt.Errorf("unknown session: %d", sessionID)
	}
	id := m.id()
	m.payments = append(m.payments, Payment{ID: id, SessionID: sessionID, Amount: amount, Method: method, PaidAt: time.Now()})
	return id, nil
}

// Payments 返回指定会话的支付记录。
func (m *Memory) Payments(sessionID int64) []Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.payments {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// DailyReport 汇总某一天的会话数、总分钟与总收入。
func (m *Memory) DailyReport(day time.Time) DailyReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	y, mo, d := day.Date()
	var r DailyReport
	for _, s := range m.sessions {
		sy, smo, sd := s.StartTime.Date()
		if sy != y || smo != mo || sd != d {
			continue
		}
		r.TotalSessions++
		r.TotalMinutes += s.DurationMinutes
		r.TotalRevenue += s.AmountPaid
	}
	return r
}
