package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// 结算单号、现金流水号的雪花 ID：41 位毫秒时间戳 | 10 位 worker | 12 位序列号。
// 多个终端共用一个库时，terminal.worker_id 必须各不相同。

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 初始化默认ID生成器
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			log.Fatalf("workerID 必须在 0-%d 之间", maxWorkerID)
		}
		defaultGenerator = &Snowflake{
			workerID:  workerID,
			timestamp: 0,
			sequence:  0,
		}
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	Init(1) // 未初始化时使用 workerID = 1
	return defaultGenerator.Generate()
}

// Generate 生成ID
//
// 时钟回拨时沿用上一次的时间戳继续递增序列号，不会生成重复 ID。
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			now = s.waitNextMilli()
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	return ((now - epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}

func (s *Snowflake) waitNextMilli() int64 {
	now := time.Now().UnixMilli()
	for now <= s.timestamp {
		time.Sleep(100 * time.Microsecond)
		now = time.Now().UnixMilli()
	}
	return now
}

// GenerateSettlementNo 生成结算单号
// 格式：CSH + 年月日时分秒 + 雪花ID后8位
// 例如：CSH2024011514305212345678
func GenerateSettlementNo() string {
	return generate("CSH")
}

// GenerateMovementNo 生成现金流水号
func GenerateMovementNo() string {
	return generate("MOV")
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s%08d", prefix, timestamp, id%100000000)
}
