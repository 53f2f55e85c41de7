package server

import (
	"sync/atomic"
	"time"
)

// SessionID 会话唯一标识（uuid 字符串，注册表生命周期内不复用）
type SessionID string

// Deliverer 会话的投递能力：必须非阻塞，失败直接返回错误
type Deliverer interface {
	Deliver(msg []byte) error
}

// Preloader 可选能力：接入时的锁状态回放直接写入，不占用有界发送队列
type Preloader interface {
	Preload(msg []byte) error
}

// SessionState 连接状态：Connecting → Active → Closed
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session 一条已注册连接的元数据与投递句柄
type Session struct {
	ID       SessionID
	Username string
	Addr     string
	Since    time.Time

	seq   uint64 // 注册顺序，快照按此排序
	out   Deliverer
	state atomic.Int32
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// close 只有第一次调用返回 true，用于保证断开清理恰好执行一次
func (s *Session) close() bool {
	for {
		cur := s.state.Load()
		if SessionState(cur) == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateClosed)) {
			return true
		}
	}
}

// SessionInfo 只读视图，用于管理接口
type SessionInfo struct {
	ID       SessionID `json:"id"`
	Username string    `json:"username"`
	Addr     string    `json:"addr"`
	Since    time.Time `json:"since"`
	State    string    `json:"state"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:       s.ID,
		Username: s.Username,
		Addr:     s.Addr,
		Since:    s.Since,
		State:    s.State().String(),
	}
}
