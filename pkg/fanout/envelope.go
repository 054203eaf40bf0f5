package fanout

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope 节点间传递的聊天消息
type Envelope struct {
	Origin    string            `json:"origin"`          // 发布节点 ID
	Channel   string            `json:"channel,omitempty"` // 为空时投递给所有在线用户
	From      string            `json:"from"`
	Text      string            `json:"text"`
	Timestamp int64             `json:"ts"`              // Unix 毫秒
	Headers   map[string]string `json:"headers,omitempty"` // 链路追踪上下文
}

// NewEnvelope 创建信封
func NewEnvelope(origin, channel, from, text string) Envelope {
	return Envelope{
		Origin:    origin,
		Channel:   channel,
		From:      from,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode 编码为 JSON
func (e Envelope) Encode() ([]byte, error) {
	if e.From == "" {
		return nil, fmt.Errorf("%w: empty sender", ErrInvalidEnvelope)
	}
	return json.Marshal(e)
}

// Decode 解码并校验
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, ErrInvalidEnvelope.WithError(err)
	}
	if e.From == "" {
		return Envelope{}, fmt.Errorf("%w: empty sender", ErrInvalidEnvelope)
	}
	return e, nil
}
