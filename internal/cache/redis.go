// Package cache provides a Redis-backed metric history store, an
// alternative to the SQLite backend for deployments that already run
// Redis.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Options configure the Redis connection.
type Options struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisHistory stores each (server, metric) series in a sorted set scored
// by unix milliseconds. Timestamps are therefore kept at millisecond
// precision.
type RedisHistory struct {
	client *redis.Client
	prefix string
}

// NewRedisHistory connects to Redis and verifies the connection.
func NewRedisHistory(ctx context.Context, opts Options) (*RedisHistory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "sentinel"
	}
	return &RedisHistory{client: client, prefix: prefix}, nil
}

func (r *RedisHistory) serversKey() string { return r.prefix + ":servers" }

func (r *RedisHistory) seriesKey(serverID string, m types.Metric) string {
	return fmt.Sprintf("%s:samples:%s:%s", r.prefix, serverID, m)
}

// Append stores values for serverID at ts, replacing any sample already
// stored at the same millisecond.
func (r *RedisHistory) Append(ctx context.Context, serverID string, ts time.Time, values map[types.Metric]float64) error {
	if len(values) == 0 {
		return nil
	}
	ms := ts.UnixMilli()
	score := strconv.FormatInt(ms, 10)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for m, v := range values {
			if !m.Valid() {
				return fmt.Errorf("unknown metric %q", m)
			}
			key := r.seriesKey(serverID, m)
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, &redis.Z{Score: float64(ms), Member: encodeMember(ms, v)})
		}
		pipe.SAdd(ctx, r.serversKey(), serverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store samples for %s: %w", serverID, err)
	}
	return nil
}

// Range returns one metric's samples in [from, to], oldest first.
func (r *RedisHistory) Range(ctx context.Context, serverID string, m types.Metric, from, to time.Time) ([]types.MetricSample, error) {
	members, err := r.client.ZRangeByScore(ctx, r.seriesKey(serverID, m), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", serverID, m, err)
	}

	samples := make([]types.MetricSample, 0, len(members))
	for _, member := range members {
		s, err := decodeMember(member)
		if err != nil {
			continue // skip foreign entries
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Joint returns the timestamps at which all four metrics were stored.
func (r *RedisHistory) Joint(ctx context.Context, serverID string, from, to time.Time) ([]types.MultiMetricSample, error) {
	var series [types.NumMetrics][]types.MetricSample
	for i, m := range types.AllMetrics {
		s, err := r.Range(ctx, serverID, m, from, to)
		if err != nil {
			return nil, err
		}
		series[i] = s
	}
	return mergeJoint(series), nil
}

// Prune removes samples older than before from every known series.
func (r *RedisHistory) Prune(ctx context.Context, before time.Time) (int64, error) {
	servers, err := r.Servers(ctx)
	if err != nil {
		return 0, err
	}
	max := "(" + strconv.FormatInt(before.UnixMilli(), 10)

	var removed int64
	for _, server := range servers {
		remaining := int64(0)
		for _, m := range types.AllMetrics {
			key := r.seriesKey(server, m)
			n, err := r.client.ZRemRangeByScore(ctx, key, "-inf", max).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to prune %s: %w", key, err)
			}
			removed += n
			left, err := r.client.ZCard(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to count %s: %w", key, err)
			}
			remaining += left
		}
		if remaining == 0 {
			r.client.SRem(ctx, r.serversKey(), server)
		}
	}
	return removed, nil
}

// Servers lists every server with stored samples.
func (r *RedisHistory) Servers(ctx context.Context) ([]string, error) {
	servers, err := r.client.SMembers(ctx, r.serversKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	sort.Strings(servers)
	return servers, nil
}

// Ping verifies the connection is alive.
func (r *RedisHistory) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisHistory) Close() error {
	return r.client.Close()
}

// encodeMember makes the sorted-set member unique per timestamp.
func encodeMember(ms int64, v float64) string {
	return strconv.FormatInt(ms, 10) + ":" + strconv.FormatFloat(v, 'g', -1, 64)
}

func decodeMember(member string) (types.MetricSample, error) {
	tsPart, valPart, ok := strings.Cut(member, ":")
	if !ok {
		return types.MetricSample{}, fmt.Errorf("malformed member %q", member)
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return types.MetricSample{}, fmt.Errorf("malformed timestamp in %q: %w", member, err)
	}
	v, err := strconv.ParseFloat(valPart, 64)
	if err != nil {
		return types.MetricSample{}, fmt.Errorf("malformed value in %q: %w", member, err)
	}
	return types.MetricSample{Timestamp: time.UnixMilli(ms).UTC(), Value: v}, nil
}

// mergeJoint joins per-metric series (each sorted by time) on timestamp,
// keeping only timestamps present in all of them.
func mergeJoint(series [types.NumMetrics][]types.MetricSample) []types.MultiMetricSample {
	var idx [types.NumMetrics]int
	var out []types.MultiMetricSample
	for {
		// Find the latest head; everything older cannot match
		var head time.Time
		for i := range series {
			if idx[i] >= len(series[i]) {
				return out
			}
			if ts := series[i][idx[i]].Timestamp; ts.After(head) {
				head = ts
			}
		}

		matched := true
		for i := range series {
			for idx[i] < len(series[i]) && series[i][idx[i]].Timestamp.Before(head) {
				idx[i]++
			}
			if idx[i] >= len(series[i]) {
				return out
			}
			if !series[i][idx[i]].Timestamp.Equal(head) {
				matched = false
			}
		}
		if !matched {
			continue
		}

		out = append(out, types.MultiMetricSample{
			Timestamp: head,
			CPU:       series[0][idx[0]].Value,
			Memory:    series[1][idx[1]].Value,
			Disk:      series[2][idx[2]].Value,
			Network:   series[3][idx[3]].Value,
		})
		for i := range idx {
			idx[i]++
		}
	}
}
