package schedule_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/schedule"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		err      string
	}{
		{"five_fields", "*/15 * * * *", ""},
		{"macro_hourly", "@hourly", ""},
		{"macro_every", "@every 5m", ""},
		{"six_fields", "0 */2 * * * *", "expected exactly 5 fields, found 6"},
		{"invalid_token", "* * 32 * *", "end of range (32) above maximum (31): 32"},
		{"empty", " ", "empty cron expression"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			s, err := schedule.ParseCron(tc.given)
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			now := time.Now()
			require.True(t, s.Next(now).After(now))
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		then  time.Duration
		err   error
	}{
		{"P1D", 24 * time.Hour, nil},
		{"PT1H30M", 90 * time.Minute, nil},
		{"PT0.5S", 500 * time.Millisecond, nil},
		{"P1DT2H", 26 * time.Hour, nil},
		{"P2W", 14 * 24 * time.Hour, nil},
		{"PT1,25S", 1250 * time.Millisecond, nil},
		{"P", 0, schedule.ErrISOFormat},
		{"PT", 0, schedule.ErrISOFormat},
		{"P2DT", 0, schedule.ErrISOFormat},
		{"P2M", 0, schedule.ErrISOFormat},
		{"PT30M1H", 0, schedule.ErrISOFormat},
		{"PT1H1H", 0, schedule.ErrISOFormat},
		{"PT1.5H", 0, schedule.ErrISOFormat},
		{"PT-1H", 0, schedule.ErrISOFormat},
		{"PTH", 0, schedule.ErrISOFormat},
		{"PT5", 0, schedule.ErrISOFormat},
		{"1h", 0, schedule.ErrISOFormat},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := schedule.ParseISODuration(tc.given)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestNewFail(t *testing.T) {
	t.Parallel()
	for _, cfg := range []model.Schedule{
		{},
		{Cron: "* *"},
		{Duration: "1h"},
		{Duration: "PT0S"},
	} {
		_, err := schedule.New(t.Context(), cfg, func() {})
		require.Errorf(t, err, "%+v", cfg)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, err := schedule.New(t.Context(), model.Schedule{Duration: "PT0.05S"}, func() {
		calls.Add(1)
	})
	require.NoError(t, err)
	require.Equal(t, "every 50ms", s.String())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
