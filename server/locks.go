package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GreeFine/ferrixcel/grid"
)

// ErrConflict 请求的位置已被其他用户锁定
var ErrConflict = errors.New("grid position already locked")

// LockTable 位置 → 持有者用户名；每个位置最多一个持有者
type LockTable struct {
	mu      sync.RWMutex
	owners  map[grid.Position]string
	byOwner map[string]map[grid.Position]struct{}
}

func NewLockTable() *LockTable {
	return &LockTable{
		owners:  make(map[grid.Position]string),
		byOwner: make(map[string]map[grid.Position]struct{}),
	}
}

// Acquire 原子地以 requested 替换 owner 当前的整个选择。
// 任一位置被其他用户持有时返回 ErrConflict，表保持不变。
// 成功时返回被释放的位置（旧选择中不在新选择里的部分，已排序）。
func (t *LockTable) Acquire(requested []grid.Position, owner string) ([]grid.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range requested {
		if cur, ok := t.owners[p]; ok && cur != owner {
			return nil, fmt.Errorf("%w: %s owns %s", ErrConflict, cur, p)
		}
	}

	want := make(map[grid.Position]struct{}, len(requested))
	for _, p := range requested {
		want[p] = struct{}{}
	}

	var released []grid.Position
	for p := range t.byOwner[owner] {
		if _, keep := want[p]; !keep {
			delete(t.owners, p)
			released = append(released, p)
		}
	}
	grid.SortPositions(released)

	if len(want) == 0 {
		delete(t.byOwner, owner)
		return released, nil
	}
	for p := range want {
		t.owners[p] = owner
	}
	t.byOwner[owner] = want
	return released, nil
}

// ReleaseAll 原子地移除并返回 owner 持有的全部位置；未持有时返回空
func (t *LockTable) ReleaseAll(owner string) []grid.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	held := t.byOwner[owner]
	if len(held) == 0 {
		return nil
	}
	released := make([]grid.Position, 0, len(held))
	for p := range held {
		delete(t.owners, p)
		released = append(released, p)
	}
	delete(t.byOwner, owner)
	grid.SortPositions(released)
	return released
}

// OwnerOf 返回持有者，未锁定时返回 ("", false)
func (t *LockTable) OwnerOf(p grid.Position) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, ok := t.owners[p]
	return owner, ok
}

// Owned owner 当前持有的位置（已排序）
func (t *LockTable) Owned(owner string) []grid.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]grid.Position, 0, len(t.byOwner[owner]))
	for p := range t.byOwner[owner] {
		out = append(out, p)
	}
	grid.SortPositions(out)
	return out
}

// OwnerSelection 一个用户的完整选择
type OwnerSelection struct {
	Username  string          `json:"username"`
	Positions []grid.Position `json:"positions"`
}

// ByOwner 按用户名分组返回当前所有锁，用户名按字典序
func (t *LockTable) ByOwner() []OwnerSelection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]OwnerSelection, 0, len(t.byOwner))
	for owner, held := range t.byOwner {
		ps := make([]grid.Position, 0, len(held))
		for p := range held {
			ps = append(ps, p)
		}
		grid.SortPositions(ps)
		out = append(out, OwnerSelection{Username: owner, Positions: ps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Len 被锁定的位置数
func (t *LockTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners)
}
