package clock

import (
	"testing"
	"time"

	"github.com/nalgeon/be"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	be.Equal(t, c.Now(), start)

	c.Advance(90 * time.Second)
	be.Equal(t, c.Now(), start.Add(90*time.Second))

	c.Set(start)
	be.Equal(t, c.Now(), start)
}
