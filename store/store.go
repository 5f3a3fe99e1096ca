// Package store 定义核心所依赖的存储协作方接口。
// 核心只调用这组窄接口，不关心底层是什么库表结构；
// 报表 SQL 与持久化方案由外部系统自行实现。
package store

import "time"

type Computer struct {
	ID       int64
	Name     string
	Addr     string
	Status   string
	LastSeen time.Time
}

type Tariff struct {
	ID           int64
	Name         string
	PricePerHour float64
	Description  string
	Active       bool
}

type Session struct {
	ID              int64
	ComputerID      int64
	TariffID        int64
	StartTime       time.Time
	EndTime         time.Time
	DurationMinutes int
	AmountPaid      float64
	Status          string
}

type Payment struct {
	ID        int64
	SessionID int64
	Amount    float64
	Method    string
	PaidAt    time.Time
}

type DailyReport struct {
	TotalSessions int
	TotalMinutes  int
	TotalRevenue  float64
}

type Store interface {
	AddComputer(name, addr string) (int64, error)
	// RemoveComputer 删除终端；存在进行中会话时拒绝。
	RemoveComputer(id int64) error
	Computer(id int64) (Computer, bool)
	ComputerByAddr(addr string) (Computer, bool)
	Computers() []Computer
	UpdateComputerStatus(id int64, status string) error

	AddTariff(name string, pricePerHour float64, description string) (int64, error)
	Tariff(id int64) (Tariff, bool)
	Tariffs() []Tariff

	// StartSession 写入 pending 会话记录并返回 id。
	StartSession(computerID, tariffID int64) (int64, error)
	MarkSessionActive(id int64) error
	// CancelSession 取消从未被终端确认的会话记录。
	CancelSession(id int64) error
	// EndSession 写入最终时长与金额并置为 completed。
	EndSession(id int64, durationMinutes int, amount float64) error
	Session(id int64) (Session, bool)
	ActiveSessions() []Session

	AddPayment(sessionID int64, amount float64, method string) (int64, error)
	DailyReport(day time.Time) DailyReport
}
