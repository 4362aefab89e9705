package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_WorstStatusWins(t *testing.T) {
	checker := NewChecker(time.Second)
	checker.Register("backend", func(context.Context) Check { return Healthy("nftables reachable") })
	checker.Register("state", func(context.Context) Check { return Degraded("no networks") })

	report := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "backend", report.Checks["backend"].Name)

	checker.Register("bus", func(context.Context) Check { return Unhealthy("no system bus") })
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestChecker_EmptyStatusIsUnhealthy(t *testing.T) {
	checker := NewChecker(0)
	checker.Register("broken", func(context.Context) Check { return Check{} })

	report := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Checks["broken"].Status)
}

func TestChecker_Timeout(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	checker.Register("slow", func(ctx context.Context) Check {
		select {
		case <-ctx.Done():
			return Unhealthy(ctx.Err().Error())
		case <-time.After(time.Second):
			return Healthy("finished")
		}
	})

	report := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"].Message)
}

func TestReport_Sorted(t *testing.T) {
	r := Report{Checks: map[string]Check{
		"state":   {Name: "state"},
		"backend": {Name: "backend"},
		"bus":     {Name: "bus"},
	}}
	sorted := r.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, []string{"backend", "bus", "state"}, []string{sorted[0].Name, sorted[1].Name, sorted[2].Name})
}
