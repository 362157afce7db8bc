package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/util"
)

const (
	keyPrefix = "pool:"

	keySharesRoundFmt    = keyPrefix + "shares:round:%d"
	keyCoinbaseArchiveFmt = keyPrefix + "coinbase:%d"
	keyHashrate          = keyPrefix + "hashrate"
	keyHashrateWorkerFmt = keyPrefix + "hashrate:%s"
	keyWorkerLastSeenFmt = keyPrefix + "worker:%s:lastseen"
	keyStats             = keyPrefix + "stats"
)

// RedisShareStore is the durable Share Store (§4.A): a Redis-backed
// per-height share ledger and coinbase archive, plus the read-side
// hashrate/pool counters the API surface reports. It implements
// coordinator.ShareStore.
type RedisShareStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisShareStore connects to addr and verifies the connection with
// a PING before returning.
func NewRedisShareStore(addr, password string, db int) (*RedisShareStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", addr)
	return &RedisShareStore{client: client, ctx: ctx}, nil
}

// Close closes the underlying Redis connection.
func (r *RedisShareStore) Close() error {
	return r.client.Close()
}

// AddShares credits n shares to worker at height.
func (r *RedisShareStore) AddShares(height uint64, worker coordinator.WorkerAddress, n uint64) error {
	key := fmt.Sprintf(keySharesRoundFmt, height)
	pipe := r.client.Pipeline()
	pipe.HIncrBy(r.ctx, key, string(worker), int64(n))
	pipe.HIncrBy(r.ctx, keyStats, "roundShares", int64(n))
	_, err := pipe.Exec(r.ctx)
	return err
}

// AddCoinbaseRecord archives one coinbase output of a promoted block.
func (r *RedisShareStore) AddCoinbaseRecord(height uint64, record coordinator.CoinbaseRecord) error {
	entry := CoinbaseRecord{
		Height:    height,
		Owner:     record.Owner,
		Amount:    record.Amount,
		Data:      record.Data,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal coinbase record: %w", err)
	}

	key := fmt.Sprintf(keyCoinbaseArchiveFmt, height)
	pipe := r.client.Pipeline()
	pipe.RPush(r.ctx, key, payload)
	pipe.HIncrBy(r.ctx, keyStats, "blocksFound", 1)
	pipe.HSet(r.ctx, keyStats, "lastBlockFound", time.Now().Unix())
	pipe.HSet(r.ctx, keyStats, "lastBlockHeight", height)
	_, err = pipe.Exec(r.ctx)
	return err
}

// RemoveShares deletes the share ledger entry for height, intended to
// run once the round's shares have been consumed by an external
// payout process.
func (r *RedisShareStore) RemoveShares(height uint64) error {
	key := fmt.Sprintf(keySharesRoundFmt, height)
	return r.client.Del(r.ctx, key).Err()
}

// ToShares returns every outstanding share ledger entry, keyed by
// height then worker.
func (r *RedisShareStore) ToShares() (map[uint64]map[coordinator.WorkerAddress]uint64, error) {
	result := make(map[uint64]map[coordinator.WorkerAddress]uint64)

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, keyPrefix+"shares:round:*", 1000).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			heightStr := strings.TrimPrefix(key, keyPrefix+"shares:round:")
			height, err := strconv.ParseUint(heightStr, 10, 64)
			if err != nil {
				continue
			}

			rows, err := r.client.HGetAll(r.ctx, key).Result()
			if err != nil {
				continue
			}

			byWorker := make(map[coordinator.WorkerAddress]uint64, len(rows))
			for worker, countStr := range rows {
				count, err := strconv.ParseUint(countStr, 10, 64)
				if err != nil {
					continue
				}
				byWorker[coordinator.WorkerAddress(worker)] = count
			}
			result[height] = byWorker
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return result, nil
}

// RecordWorkerActivity logs one accepted share towards the hashrate
// estimate, independent of AddShares. Called alongside share crediting
// so the API surface can report hashrate without touching the
// dispatcher-owned ledger read path.
func (r *RedisShareStore) RecordWorkerActivity(worker coordinator.WorkerAddress, difficulty uint64) error {
	now := time.Now()
	member := fmt.Sprintf("%d:%s:%d", difficulty, worker, now.UnixNano())

	workerKey := fmt.Sprintf(keyHashrateWorkerFmt, worker)
	lastSeenKey := fmt.Sprintf(keyWorkerLastSeenFmt, worker)

	pipe := r.client.Pipeline()
	pipe.ZAdd(r.ctx, keyHashrate, &redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZAdd(r.ctx, workerKey, &redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(r.ctx, workerKey, 24*time.Hour)
	pipe.Set(r.ctx, lastSeenKey, now.Unix(), 24*time.Hour)
	_, err := pipe.Exec(r.ctx)
	return err
}

// Hashrate estimates pool-wide hashrate from shares submitted within
// window, approximating hashes-per-second as total share difficulty
// divided by the window length.
func (r *RedisShareStore) Hashrate(window time.Duration) (float64, error) {
	return r.windowedDifficulty(keyHashrate, window)
}

// WorkerHashrate estimates a single worker's hashrate over window.
func (r *RedisShareStore) WorkerHashrate(worker coordinator.WorkerAddress, window time.Duration) (float64, error) {
	return r.windowedDifficulty(fmt.Sprintf(keyHashrateWorkerFmt, worker), window)
}

func (r *RedisShareStore) windowedDifficulty(key string, window time.Duration) (float64, error) {
	minTime := time.Now().Add(-window).Unix()
	results, err := r.client.ZRangeByScore(r.ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, entry := range results {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) == 0 {
			continue
		}
		diff, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		total += diff
	}

	return float64(total) / window.Seconds(), nil
}

// PurgeStaleHashrate drops hashrate samples older than window, bounding
// the sorted set's growth.
func (r *RedisShareStore) PurgeStaleHashrate(window time.Duration) error {
	maxTime := time.Now().Add(-window).Unix()
	_, err := r.client.ZRemRangeByScore(r.ctx, keyHashrate, "-inf", strconv.FormatInt(maxTime, 10)).Result()
	return err
}

// PoolStats reports pool-wide counters for the API surface.
func (r *RedisShareStore) PoolStats(hashrateWindow time.Duration) (*PoolStats, error) {
	data, err := r.client.HGetAll(r.ctx, keyStats).Result()
	if err != nil {
		return nil, err
	}

	stats := &PoolStats{}
	if v, ok := data["roundShares"]; ok {
		stats.RoundShares, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["blocksFound"]; ok {
		stats.BlocksFound, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["lastBlockHeight"]; ok {
		stats.LastBlockHeight, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["lastBlockFound"]; ok {
		stats.LastBlockFound, _ = strconv.ParseInt(v, 10, 64)
	}

	stats.Hashrate, _ = r.Hashrate(hashrateWindow)
	stats.Workers, _ = r.countActiveWorkers(hashrateWindow)

	return stats, nil
}

func (r *RedisShareStore) countActiveWorkers(window time.Duration) (int64, error) {
	minTime := time.Now().Add(-window).Unix()
	var count int64
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, keyPrefix+"worker:*:lastseen", 1000).Result()
		if err != nil {
			return 0, err
		}

		for _, key := range keys {
			lastSeen, err := r.client.Get(r.ctx, key).Int64()
			if err == nil && lastSeen >= minTime {
				count++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return count, nil
}

// CoinbaseArchive returns the archived coinbase records for height, in
// the order they were recorded.
func (r *RedisShareStore) CoinbaseArchive(height uint64) ([]CoinbaseRecord, error) {
	key := fmt.Sprintf(keyCoinbaseArchiveFmt, height)
	raw, err := r.client.LRange(r.ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]CoinbaseRecord, 0, len(raw))
	for _, entry := range raw {
		var rec CoinbaseRecord
		if err := json.Unmarshal([]byte(entry), &rec); err == nil {
			records = append(records, rec)
		}
	}
	return records, nil
}
