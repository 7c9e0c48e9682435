package matching

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunRecorder keeps per-finder run bookkeeping between discovery runs.
type RunRecorder interface {
	// RecordStart stores the start of a new run and returns the start of the
	// previous one, zero if there was none.
	RecordStart(ctx context.Context, finder string) (time.Time, error)
	RecordEnd(ctx context.Context, finder string, stats RunStats) error
	Last(ctx context.Context, finder string) (RunStats, error)
}

const runKeyPrefix = "matching:run:"

// RedisRunRecorder stores one hash per finder so every replica sees the same
// run history.
type RedisRunRecorder struct {
	client *redis.Client
}

func NewRedisRunRecorder(client *redis.Client) *RedisRunRecorder {
	return &RedisRunRecorder{client: client}
}

func (r *RedisRunRecorder) RecordStart(ctx context.Context, finder string) (time.Time, error) {
	key := runKeyPrefix + finder
	previous, err := r.client.HGet(ctx, key, "started_at").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return time.Time{}, err
	}
	now := time.Now().UTC()
	if err := r.client.HSet(ctx, key, "started_at", now.Format(time.RFC3339Nano)).Err(); err != nil {
		return time.Time{}, err
	}
	return parseTime(previous), nil
}

func (r *RedisRunRecorder) RecordEnd(ctx context.Context, finder string, stats RunStats) error {
	return r.client.HSet(ctx, runKeyPrefix+finder, map[string]interface{}{
		"completed_at":       stats.CompletedAt.UTC().Format(time.RFC3339Nano),
		"patients_checked":   stats.PatientsChecked,
		"errors":             stats.Errors,
		"matches_found":      stats.MatchesFound,
		"avg_ms_per_patient": stats.AvgMillisPerPatient,
	}).Err()
}

func (r *RedisRunRecorder) Last(ctx context.Context, finder string) (RunStats, error) {
	fields, err := r.client.HGetAll(ctx, runKeyPrefix+finder).Result()
	if err != nil {
		return RunStats{}, err
	}
	return RunStats{
		StartedAt:           parseTime(fields["started_at"]),
		CompletedAt:         parseTime(fields["completed_at"]),
		PatientsChecked:     atoi(fields["patients_checked"]),
		Errors:              atoi(fields["errors"]),
		MatchesFound:        atoi(fields["matches_found"]),
		AvgMillisPerPatient: int64(atoi(fields["avg_ms_per_patient"])),
	}, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(value string) int {
	n, _ := strconv.Atoi(value)
	return n
}

// MemoryRunRecorder is a single-process RunRecorder.
type MemoryRunRecorder struct {
	mu   sync.Mutex
	runs map[string]RunStats
}

func NewMemoryRunRecorder() *MemoryRunRecorder {
	return &MemoryRunRecorder{runs: make(map[string]RunStats)}
}

func (r *MemoryRunRecorder) RecordStart(_ context.Context, finder string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[finder]
	previous := run.StartedAt
	run.StartedAt = time.Now().UTC()
	r.runs[finder] = run
	return previous, nil
}

func (r *MemoryRunRecorder) RecordEnd(_ context.Context, finder string, stats RunStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[finder]
	stats.StartedAt = run.StartedAt
	stats.Rechecked = nil
	r.runs[finder] = stats
	return nil
}

func (r *MemoryRunRecorder) Last(_ context.Context, finder string) (RunStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[finder], nil
}
