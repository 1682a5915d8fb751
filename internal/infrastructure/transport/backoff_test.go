package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBounds(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for k, w := range want {
		assert.Equal(t, w, b.Delay(k+1), "k=%d", k+1)
	}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(200))
}

func TestBackoffNextAndReset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 350*time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 350*time.Millisecond, b.Next())
	assert.Equal(t, 3, b.Failures())

	b.Reset()
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, DefaultReconnectBase, b.Base)
	assert.Equal(t, DefaultReconnectBase, b.Cap)
}
