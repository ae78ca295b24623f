package penalty

import (
	"context"
	"testing"
	"time"

	"github.com/vnykmshr/admit/internal/testutil"
	"github.com/vnykmshr/admit/pkg/policy"
	"github.com/vnykmshr/admit/pkg/store"
)

func testConfig() policy.PenaltyConfig {
	return policy.PenaltyConfig{
		Enabled:            true,
		DetectionWindow:    10 * time.Minute,
		ViolationThreshold: 3,
		Multipliers:        []int{2, 4, 8},
	}
}

func TestMultiplier(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name  string
		count int64
		want  int
	}{
		{"zero", 0, 1},
		{"below threshold", 2, 1},
		{"at threshold", 3, 2},
		{"one past threshold", 4, 4},
		{"two past threshold", 5, 8},
		{"clamped to last entry", 50, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, Multiplier(tt.count, cfg), tt.want)
		})
	}
}

func TestMultiplier_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	testutil.AssertEqual(t, Multiplier(100, cfg), 1)
}

func TestMultiplier_EmptyTable(t *testing.T) {
	cfg := testConfig()
	cfg.Multipliers = nil
	testutil.AssertEqual(t, Multiplier(100, cfg), 1)
}

func TestRecordAndCount(t *testing.T) {
	tr := New(store.NewMemoryStore())
	ctx := context.Background()
	now := time.Unix(1000, 0)
	cfg := testConfig()

	for i := 1; i <= 3; i++ {
		count, err := tr.Record(ctx, "user:alice", cfg, now.Add(time.Duration(i)*time.Second))
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, count, int64(i))
	}

	count, err := tr.Count(ctx, "user:alice", cfg, now.Add(3*time.Second))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, count, int64(3))

	// Violations age out of the detection window.
	count, err = tr.Count(ctx, "user:alice", cfg, now.Add(cfg.DetectionWindow+4*time.Second))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, count, int64(0))
}

func TestRecord_Disabled(t *testing.T) {
	tr := New(store.NewMemoryStore())
	cfg := testConfig()
	cfg.Enabled = false

	count, err := tr.Record(context.Background(), "user:alice", cfg, time.Now())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, count, int64(0))
}

func TestRecord_SeparateClients(t *testing.T) {
	tr := New(store.NewMemoryStore())
	ctx := context.Background()
	now := time.Unix(1000, 0)
	cfg := testConfig()

	_, err := tr.Record(ctx, "user:alice", cfg, now)
	testutil.AssertNoError(t, err)

	count, err := tr.Count(ctx, "user:bob", cfg, now)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, count, int64(0))
}
