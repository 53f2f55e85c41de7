package server

import (
	"go.uber.org/zap"

	"github.com/GreeFine/ferrixcel/grid"
)

// Bus 将广播扇出到注册表中的会话。投递走各会话的非阻塞队列，
// 一个卡住的接收者不会拖慢其他接收者。
type Bus struct {
	registry *Registry
	metrics  *Metrics
	log      *zap.SugaredLogger
}

func NewBus(registry *Registry, metrics *Metrics, log *zap.SugaredLogger) *Bus {
	return &Bus{registry: registry, metrics: metrics, log: log}
}

// Publish 序列化一次，投递给除 exclude 外的所有会话（exclude 为空表示全部），
// 返回成功投递的数量
func (b *Bus) Publish(msg grid.Broadcast, exclude SessionID) int {
	payload := msg.Encode()
	inc(&b.metrics.Broadcasts)
	delivered := 0
	for _, s := range b.registry.Snapshot() {
		if exclude != "" && s.ID == exclude {
			continue
		}
		if err := s.out.Deliver(payload); err != nil {
			inc(&b.metrics.DeliveriesDropped)
			b.log.Debugf("drop %s to %s (%s): %v", msg.Kind, s.Username, s.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// PublishTo 只投递给一个会话（错误回复、连接时的锁状态回放）
func (b *Bus) PublishTo(id SessionID, payload []byte) bool {
	if !b.registry.Deliver(id, payload) {
		inc(&b.metrics.DeliveriesDropped)
		return false
	}
	return true
}

// Reply 以错误信封回复单个会话
func (b *Bus) Reply(id SessionID, code int, text string) bool {
	return b.PublishTo(id, grid.ErrorMessage{ErrorCode: code, Error: text}.Encode())
}
