// Package store 提供网格单元格的持久化协作者：按位置 upsert 与全量读取。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GreeFine/ferrixcel/grid"
)

// ErrClosed 存储已关闭后的任何调用都返回此错误
var ErrClosed = errors.New("store closed")

// Store 持久化协作者：同一位置后写覆盖先写
type Store interface {
	Upsert(ctx context.Context, c grid.Cell) error
	LoadAll(ctx context.Context) ([]grid.Cell, error)
	Close() error
}

// Compactor 可选能力：整理底层存储（例如重写追加日志）
type Compactor interface {
	Compact() error
}

// 支持的驱动
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverMongo  = "mongo"
)

// Config 存储配置（由 server.Config 映射而来）
type Config struct {
	Driver     string        `mapstructure:"driver"`
	Path       string        `mapstructure:"path"`
	MongoURI   string        `mapstructure:"mongo_uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// CompactSchedule cron 表达式，仅对支持 Compactor 的驱动生效
	CompactSchedule string `mapstructure:"compact_schedule"`
}

// Open 按驱动创建存储
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverFile:
		return OpenFile(cfg.Path)
	case DriverMongo:
		return OpenMongo(ctx, cfg.MongoURI, cfg.Database, cfg.Collection)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// sortCells 按位置排序，快照输出稳定
func sortCells(cells []grid.Cell) []grid.Cell {
	ps := make([]grid.Position, 0, len(cells))
	byPos := make(map[grid.Position]grid.Cell, len(cells))
	for _, c := range cells {
		ps = append(ps, c.Position)
		byPos[c.Position] = c
	}
	grid.SortPositions(ps)
	out := make([]grid.Cell, 0, len(ps))
	for _, p := range ps {
		out = append(out, byPos[p])
	}
	return out
}
