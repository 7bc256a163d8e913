package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeDup(t *testing.T) {
	d := NewDeDup()
	assert.True(t, d.Add("prune"), "passed, first time")
	assert.False(t, d.Add("prune"), "failed, dup")
	assert.True(t, d.Add("sweep"), "passed, different task")

	_, ok := d.Since("prune")
	assert.True(t, ok)
	d.Remove("prune")
	_, ok = d.Since("prune")
	assert.False(t, ok)

	assert.True(t, d.Add("prune"), "passed, removed before")
	assert.False(t, d.Add("sweep"), "failed, dup")
	d.Remove("unknown")
}
