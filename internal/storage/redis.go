// internal/storage/redis.go
//
// RedisStore 以 Redis 保存金庫紀錄：每個金庫一個 key，值為固定長度的二進位紀錄。
// 插入用 SETNX 保證只成功一次；Update 以 redsync 分散式鎖序列化同一金庫的寫入。
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vault/internal/vault"
)

const (
	recordKeyPrefix = "vault:"
	lockKeyPrefix   = "lock:vault:"
	scanBatch       = 100
)

// ErrLockExpired 代表分散式鎖在寫回前已過期，其他寫入者可能已經取得鎖，本次寫入放棄。
var ErrLockExpired = errors.New("vault lock expired before write")

// LockOptions 控制每次 Update 取得分散式鎖的行為。
type LockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultLockOptions 適用於單次存提款這類短操作。
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     5 * time.Second,
		Tries:      32,
		RetryDelay: 50 * time.Millisecond,
	}
}

// RedisStore implements vault.Store on top of Redis.
type RedisStore struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	opts   LockOptions
	logger *zap.Logger
}

var _ vault.Store = (*RedisStore)(nil)

// NewRedisStore 以既有連線建立儲存。
func NewRedisStore(client redis.UniversalClient, opts LockOptions, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger.Named("redis_store"),
	}
}

func recordKey(addr common.Address) string {
	return recordKeyPrefix + addr.Hex()
}

// Insert implements vault.Store.
func (s *RedisStore) Insert(ctx context.Context, addr common.Address, rec vault.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, recordKey(addr), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", addr.Hex(), err)
	}
	if !ok {
		return vault.ErrAlreadyExists
	}
	return nil
}

// Get implements vault.Store.
func (s *RedisStore) Get(ctx context.Context, addr common.Address) (vault.Record, error) {
	var rec vault.Record
	data, err := s.client.Get(ctx, recordKey(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, vault.ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("redis get %s: %w", addr.Hex(), err)
	}
	if err := rec.UnmarshalBinary(data); err != nil {
		return rec, err
	}
	return rec, nil
}

// Update implements vault.Store. 鎖在 fn 與寫回期間全程持有；寫回前鎖已過期則回傳 ErrLockExpired。
func (s *RedisStore) Update(ctx context.Context, addr common.Address, fn func(*vault.Record) error) error {
	mutex := s.rs.NewMutex(
		lockKeyPrefix+addr.Hex(),
		redsync.WithExpiry(s.opts.Expiry),
		redsync.WithTries(s.opts.Tries),
		redsync.WithRetryDelay(s.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire vault lock %s: %w", addr.Hex(), err)
	}
	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			s.logger.Warn("failed to release vault lock",
				zap.String("address", addr.Hex()), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	rec, err := s.Get(ctx, addr)
	if err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if !time.Now().Before(mutex.Until()) {
		return fmt.Errorf("%w: %s", ErrLockExpired, addr.Hex())
	}
	if err := s.client.Set(ctx, recordKey(addr), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", addr.Hex(), err)
	}
	return nil
}

// List implements vault.Store.
func (s *RedisStore) List(ctx context.Context) (map[common.Address]vault.Record, error) {
	out := make(map[common.Address]vault.Record)
	iter := s.client.Scan(ctx, 0, recordKeyPrefix+"0x*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		addr := common.HexToAddress(strings.TrimPrefix(key, recordKeyPrefix))
		rec, err := s.Get(ctx, addr)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[addr] = rec
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
