package grid

import "encoding/json"

// 发给单个会话的错误文本
const (
	ErrTextParse       = "Unable to parse value."
	ErrTextLocked      = "This grid position is already locked."
	ErrTextNotLocked   = "This grid position is not locked by you."
	ErrTextPersist     = "Unable to persist value."
	ErrTextUnexpected  = "Unexpected action."
	ErrCodeBadRequest  = 400
	ErrCodeServerError = 500
)

// Broadcast 广播信封：{"who":...,"kind":...,"payload":...}
type Broadcast struct {
	Who     string `json:"who"`
	Kind    Kind   `json:"kind"`
	Payload any    `json:"payload"`
}

// ErrorMessage 仅回复给发起者
type ErrorMessage struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

func NewCellBroadcast(who string, c Cell) Broadcast {
	return Broadcast{Who: who, Kind: KindNewGridValue, Payload: c}
}

func NewSelectBroadcast(who string, ps []Position) Broadcast {
	return Broadcast{Who: who, Kind: KindSelect, Payload: nonNil(ps)}
}

func NewDeselectBroadcast(who string, ps []Position) Broadcast {
	return Broadcast{Who: who, Kind: KindDeselect, Payload: nonNil(ps)}
}

// Encode 序列化为一帧文本；信封内容均为可序列化类型
func (b Broadcast) Encode() []byte {
	out, _ := json.Marshal(b)
	return out
}

func (e ErrorMessage) Encode() []byte {
	out, _ := json.Marshal(e)
	return out
}

func nonNil(ps []Position) []Position {
	if ps == nil {
		return []Position{}
	}
	return ps
}
