package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"cashsettle/internal/config"
	"cashsettle/internal/settlement"

	"github.com/go-redis/redis/v8"
)

var ErrSnapshotNotFound = errors.New("没有缓存的交易快照")

func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	log.Println("Redis 连接成功")
	return client
}

// CachedSnapshot 缓存里的交易快照，附带结算单号
type CachedSnapshot struct {
	SettlementNo string              `json:"settlement_no"`
	Snapshot     settlement.Snapshot `json:"snapshot"`
}

// SnapshotCache 终端最近一笔交易的快照，供其他进程（如客显屏）读取
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(terminalID string) string {
	return fmt.Sprintf("settlement:snapshot:%s", terminalID)
}

func (c *SnapshotCache) Save(ctx context.Context, terminalID string, snap *CachedSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(terminalID), data, c.ttl).Err()
}

func (c *SnapshotCache) Get(ctx context.Context, terminalID string) (*CachedSnapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(terminalID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}

	var snap CachedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("解析交易快照失败: %w", err)
	}
	return &snap, nil
}
