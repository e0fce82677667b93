package goroutineid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetDiffersAcrossGoroutines(t *testing.T) {
	mine := Get()
	assert.NotZero(t, mine)
	assert.Equal(t, mine, Get())

	other := make(chan uint64)
	go func() { other <- Get() }()
	theirs := <-other

	assert.NotZero(t, theirs)
	assert.NotEqual(t, mine, theirs)
}
