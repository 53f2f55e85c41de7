package grid

import "time"

// Cell 单元格持久化值，由存储层拥有，核心只负责传递
type Cell struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp" msgpack:"timestamp"`
	Position  Position  `json:"position" bson:"position" msgpack:"position"`
	Value     *string   `json:"value" bson:"value" msgpack:"value"`
	User      string    `json:"user" bson:"user" msgpack:"user"`
}

// NewCell 以当前 UTC 时间构造单元格
func NewCell(pos Position, value *string, user string, now time.Time) Cell {
	return Cell{
		Timestamp: now.UTC(),
		Position:  pos,
		Value:     value,
		User:      user,
	}
}
