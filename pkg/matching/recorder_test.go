package matching

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisRunRecorder(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	finder := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(context.Background(), runKeyPrefix+finder) })

	recorder := NewRedisRunRecorder(client)
	previous, err := recorder.RecordStart(ctx, finder)
	if err != nil {
		t.Fatalf("record start: %v", err)
	}
	if !previous.IsZero() {
		t.Fatalf("expected no previous run, got %v", previous)
	}
	stats := RunStats{CompletedAt: time.Now().UTC(), PatientsChecked: 4, Errors: 1, MatchesFound: 2, AvgMillisPerPatient: 3}
	if err := recorder.RecordEnd(ctx, finder, stats); err != nil {
		t.Fatalf("record end: %v", err)
	}

	last, err := recorder.Last(ctx, finder)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.StartedAt.IsZero() || last.PatientsChecked != 4 || last.MatchesFound != 2 || last.Errors != 1 {
		t.Fatalf("unexpected run info %+v", last)
	}

	again, err := recorder.RecordStart(ctx, finder)
	if err != nil || !again.Equal(last.StartedAt) {
		t.Fatalf("expected previous start %v, got %v (%v)", last.StartedAt, again, err)
	}
}
