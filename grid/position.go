package grid

import (
	"fmt"
	"sort"
)

// Position 网格坐标（不可变值类型，可直接作为 map key）
type Position struct {
	Row    uint64 `json:"row" bson:"row" msgpack:"row"`
	Column uint64 `json:"column" bson:"column" msgpack:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Row, p.Column)
}

// Less 按 (row, column) 排序
func (p Position) Less(o Position) bool {
	if p.Row != o.Row {
		return p.Row < o.Row
	}
	return p.Column < o.Column
}

// SortPositions 原地排序，保证广播与测试输出稳定
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}

// Dedup 返回去重且排序后的副本
func Dedup(ps []Position) []Position {
	seen := make(map[Position]struct{}, len(ps))
	out := make([]Position, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	SortPositions(out)
	return out
}
