package ws

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// connIDCounter 连接 ID 计数器
var connIDCounter atomic.Uint64

// generateConnID 生成连接 ID：时间戳 + 计数器 + 随机数
func generateConnID() string {
	timestamp := time.Now().UnixNano()
	count := connIDCounter.Add(1)

	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("conn_%d_%d", timestamp, count)
	}
	return fmt.Sprintf("conn_%d_%d_%s", timestamp, count, hex.EncodeToString(b))
}
