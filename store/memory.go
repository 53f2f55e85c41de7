package store

import (
	"context"
	"sync"

	"github.com/GreeFine/ferrixcel/grid"
)

// Memory 纯内存存储，进程退出即丢失，适合开发与测试
type Memory struct {
	mu     sync.RWMutex
	cells  map[grid.Position]grid.Cell
	closed bool
}

func NewMemory() *Memory {
	return &Memory{cells: make(map[grid.Position]grid.Cell)}
}

func (m *Memory) Upsert(ctx context.Context, c grid.Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cells[c.Position] = c
	return nil
}

func (m *Memory) LoadAll(ctx context.Context) ([]grid.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cells := make([]grid.Cell, 0, len(m.cells))
	for _, c := range m.cells {
		cells = append(cells, c)
	}
	return sortCells(cells), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
