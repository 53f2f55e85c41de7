package server

import (
	"sync/atomic"
)

// Metrics 记录协调器运行期的关键指标（用于监控与调试）
type Metrics struct {
	SessionsActive      int64 // 当前在线会话数
	SessionsTotal       int64 // 累计接入会话数
	SessionsRejected    int64 // 因用户名重复被拒绝的连接数
	ActionsTotal        int64 // 收到的入站消息数
	SelectsOK           int64
	SelectConflicts     int64
	EditsOK             int64
	EditsUnauthorized   int64
	PersistFailures     int64
	ParseErrors         int64
	UnexpectedActions   int64
	Broadcasts          int64 // 发布的广播次数（不是投递次数）
	DeliveriesDropped   int64 // 因队列满或连接已关闭丢弃的投递
	SlowConsumersClosed int64 // 因队列满被关闭的连接数
}

func inc(p *int64) { atomic.AddInt64(p, 1) }

func (m *Metrics) sessionOpened() {
	atomic.AddInt64(&m.SessionsActive, 1)
	atomic.AddInt64(&m.SessionsTotal, 1)
}

func (m *Metrics) sessionClosed() { atomic.AddInt64(&m.SessionsActive, -1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"sessions_active":       atomic.LoadInt64(&m.SessionsActive),
		"sessions_total":        atomic.LoadInt64(&m.SessionsTotal),
		"sessions_rejected":     atomic.LoadInt64(&m.SessionsRejected),
		"actions_total":         atomic.LoadInt64(&m.ActionsTotal),
		"selects_ok":            atomic.LoadInt64(&m.SelectsOK),
		"select_conflicts":      atomic.LoadInt64(&m.SelectConflicts),
		"edits_ok":              atomic.LoadInt64(&m.EditsOK),
		"edits_unauthorized":    atomic.LoadInt64(&m.EditsUnauthorized),
		"persist_failures":      atomic.LoadInt64(&m.PersistFailures),
		"parse_errors":          atomic.LoadInt64(&m.ParseErrors),
		"unexpected_actions":    atomic.LoadInt64(&m.UnexpectedActions),
		"broadcasts":            atomic.LoadInt64(&m.Broadcasts),
		"deliveries_dropped":    atomic.LoadInt64(&m.DeliveriesDropped),
		"slow_consumers_closed": atomic.LoadInt64(&m.SlowConsumersClosed),
	}
}
