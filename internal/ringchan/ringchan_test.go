package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChan_OverwritesOldest(t *testing.T) {
	rc := New[int](3)

	for i := 0; i < 5; i++ {
		dropped := rc.Send(i)
		assert.Equal(t, i >= 3, dropped, "send %d", i)
	}
	assert.Equal(t, 3, rc.Len())
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4}, got)

	written, overwritten := rc.Stats()
	assert.Equal(t, int64(5), written)
	assert.Equal(t, int64(2), overwritten)
}

func TestChan_SendAfterCloseIsDropped(t *testing.T) {
	rc := New[string](1)
	rc.Close()
	rc.Close()

	assert.NotPanics(t, func() { rc.Send("late") })
	_, ok := <-rc.C()
	assert.False(t, ok)
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	require.Panics(t, func() { New[int](0) })
}
