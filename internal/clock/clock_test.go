package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clk := NewManual(base)

	assert.Equal(t, base, clk.Now())

	clk.Advance(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), clk.Now())

	clk.Set(base)
	assert.Equal(t, base, clk.Now())
}

func TestSystem(t *testing.T) {
	before := time.Now()
	got := System().Now()
	assert.False(t, got.Before(before))
}
