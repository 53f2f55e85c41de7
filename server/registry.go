package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUsernameTaken 启用唯一用户名时，同名会话已在线
var ErrUsernameTaken = errors.New("username already taken")

// Registry 管理在线会话：会话 ID → 投递句柄与元数据
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
	names    map[string]int // username → 在线会话数
	seq      uint64
	newID    func() SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionID]*Session),
		names:    make(map[string]int),
		newID:    func() SessionID { return SessionID(uuid.NewString()) },
	}
}

// Register 创建会话并保存投递句柄；unique 为真时拒绝重复用户名
func (r *Registry) Register(out Deliverer, username, addr string, unique bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if unique && r.names[username] > 0 {
		return nil, ErrUsernameTaken
	}
	id := r.newID()
	for {
		if _, dup := r.sessions[id]; !dup {
			break
		}
		id = r.newID()
	}
	r.seq++
	s := &Session{
		ID:       id,
		Username: username,
		Addr:     addr,
		Since:    time.Now(),
		seq:      r.seq,
		out:      out,
	}
	r.sessions[id] = s
	r.names[username]++
	return s, nil
}

// Unregister 移除会话；重复调用无副作用，返回是否真正移除
func (r *Registry) Unregister(id SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	if r.names[s.Username] <= 1 {
		delete(r.names, s.Username)
	} else {
		r.names[s.Username]--
	}
	return true
}

func (r *Registry) Get(id SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Online 该用户名当前在线会话数
func (r *Registry) Online(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[username]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot 按注册顺序返回当前会话的时间点视图
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Deliver 尽力投递给单个会话；会话不存在或投递失败时返回 false，不向上传播错误
func (r *Registry) Deliver(id SessionID, msg []byte) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.out.Deliver(msg) == nil
}
