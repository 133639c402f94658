package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_AdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewMock(start)

	soon := clk.After(10 * time.Second)
	later := clk.After(time.Minute)

	clk.Advance(30 * time.Second)

	select {
	case <-soon:
	default:
		t.Fatal("10s waiter should have fired after 30s advance")
	}
	select {
	case <-later:
		t.Fatal("60s waiter fired too early")
	default:
	}

	clk.Advance(30 * time.Second)
	select {
	case <-later:
	default:
		t.Fatal("60s waiter should have fired")
	}

	assert.Equal(t, start.Add(time.Minute), clk.Now())
	assert.Equal(t, time.Minute, clk.Since(start))
}

func TestMock_SetJumpsForward(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewMock(start)

	ch := clk.After(time.Hour)
	clk.Set(start.Add(2 * time.Hour))

	select {
	case fired := <-ch:
		require.Equal(t, start.Add(2*time.Hour), fired)
	default:
		t.Fatal("waiter should have fired on forward jump")
	}
}
