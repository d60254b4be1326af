package remotecache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPowerOfTwo(t *testing.T) {
	assert.True(t, isPowerOfTwo(1))
	assert.True(t, isPowerOfTwo(2))
	assert.True(t, isPowerOfTwo(4))
	assert.True(t, isPowerOfTwo(8))
	assert.False(t, isPowerOfTwo(3))
	assert.False(t, isPowerOfTwo(5))
	assert.False(t, isPowerOfTwo(6))
	assert.False(t, isPowerOfTwo(7))
	assert.False(t, isPowerOfTwo(0))
}

func TestBackoffElevatesOnPowersOfTwo(t *testing.T) {
	l := newErrorLogger(Backoff)
	err := errors.New("endpoint unavailable")
	var warned []int
	for i := 1; i <= 8; i++ {
		l.log(readErr, err)
		if l.shouldWarn(i) {
			warned = append(warned, i)
		}
	}
	assert.Equal(t, []int{1, 2, 4, 8}, warned)
	assert.Equal(t, 8, l.reads[err.Error()])
}

func TestFirstOnlyElevatesOnce(t *testing.T) {
	l := newErrorLogger(FirstOnly)
	err := errors.New("oops")
	l.log(readErr, err)
	assert.True(t, l.shouldWarn(1))
	l.log(readErr, err)
	assert.False(t, l.shouldWarn(2))
}

func TestIgnoreNeverElevates(t *testing.T) {
	l := newErrorLogger(Ignore)
	for i := 1; i <= 4; i++ {
		assert.False(t, l.shouldWarn(i))
	}
}

func TestDistinctErrorTextsCountedIndependently(t *testing.T) {
	l := newErrorLogger(Backoff)
	l.log(readErr, errors.New("a"))
	l.log(readErr, errors.New("b"))
	l.log(readErr, errors.New("a"))
	assert.Equal(t, 2, l.reads["a"])
	assert.Equal(t, 1, l.reads["b"])
}

func TestReadAndWriteCountersAreIndependent(t *testing.T) {
	l := newErrorLogger(Backoff)
	l.log(readErr, errors.New("x"))
	l.log(writeErr, errors.New("x"))
	l.log(writeErr, errors.New("x"))
	assert.Equal(t, 1, l.reads["x"])
	assert.Equal(t, 2, l.writes["x"])
}
