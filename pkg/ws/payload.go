package ws

import (
	"bytes"
	"encoding/json"
)

// 服务端下行消息类型
const (
	FrameTypeAck     = "ack"
	FrameTypeMessage = "message"
)

// ackFrame 会话确认：连接注册成功后发送的第一条消息
type ackFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// messageFrame 聊天消息
type messageFrame struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
}

// Frame 下行消息的通用解码结构（客户端与测试使用）
type Frame struct {
	Type      string `json:"type"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

// AckPayload 构建确认消息 {"type":"ack","userId":...,"sessionId":...}
func AckPayload(userID, sessionID string) []byte {
	return encode(ackFrame{Type: FrameTypeAck, UserID: userID, SessionID: sessionID})
}

// MessagePayload 构建聊天消息 {"type":"message","from":...,"text":...}
// text 原样作为 JSON 字符串写出：反斜杠、双引号与控制字符被转义，HTML 字符保持原样
func MessagePayload(from, text string) []byte {
	return encode(messageFrame{Type: FrameTypeMessage, From: from, Text: text})
}

// DecodeFrame 解析下行消息
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// encode 字段均为字符串，编码不会失败
func encode(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
}
