package goroutineid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	id := Get()
	assert.NotZero(t, id)
	assert.Equal(t, id, Get())

	ch := make(chan uint64)
	go func() { ch <- Get() }()
	other := <-ch
	assert.NotZero(t, other)
	assert.NotEqual(t, id, other)
}
