package grid

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrParse 入站消息无法解析
	ErrParse = errors.New("unable to parse action")
	// ErrUnexpectedAction kind 字段合法 JSON 但不是已知动作
	ErrUnexpectedAction = errors.New("unexpected action")
)

// Kind 出入站消息的动作标签
type Kind string

const (
	KindNewGridValue Kind = "NewGridValue"
	KindSelect       Kind = "Select"
	KindDeselect     Kind = "Deselect"
)

// Action 客户端动作（和类型），只能是 SetCell 或 AcquireSelection
type Action interface {
	Kind() Kind
	action()
}

// SetCell 修改单个单元格，要求发送者持有该位置的锁
type SetCell struct {
	Position Position
	Value    *string
}

func (SetCell) Kind() Kind { return KindNewGridValue }
func (SetCell) action()    {}

// AcquireSelection 以新的位置集合整体替换发送者当前的选择
type AcquireSelection struct {
	Positions []Position
}

func (AcquireSelection) Kind() Kind { return KindSelect }
func (AcquireSelection) action()    {}

// 入站 JSON 结构
// 示例：{"kind":"Select","positions":[{"row":0,"column":1}]}
type inboundMessage struct {
	Kind      *Kind      `json:"kind"`
	Position  *Position  `json:"position"`
	Value     *string    `json:"value"`
	Positions []Position `json:"positions"`
}

// DecodeAction 解析一条文本消息
func DecodeAction(data []byte) (Action, error) {
	var im inboundMessage
	if err := json.Unmarshal(data, &im); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if im.Kind == nil {
		return nil, fmt.Errorf("%w: missing kind", ErrParse)
	}
	switch *im.Kind {
	case KindNewGridValue:
		if im.Position == nil {
			return nil, fmt.Errorf("%w: missing position", ErrParse)
		}
		return SetCell{Position: *im.Position, Value: im.Value}, nil
	case KindSelect:
		if im.Positions == nil {
			return nil, fmt.Errorf("%w: missing positions", ErrParse)
		}
		return AcquireSelection{Positions: Dedup(im.Positions)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedAction, string(*im.Kind))
	}
}
