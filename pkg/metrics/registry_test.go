package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsReturnNilWhenDisabled(t *testing.T) {
	if IsEnabled() {
		t.Skip("registry already initialized by another test")
	}
	assert.Nil(t, NewSessionMetrics())
	assert.Nil(t, NewAuthMetrics())
	assert.Nil(t, NewHandleMapMetrics())
}

func TestInitRegistryIsIdempotent(t *testing.T) {
	InitRegistry()
	first := GetRegistry()
	InitRegistry()
	assert.Same(t, first, GetRegistry())
	assert.True(t, IsEnabled())
}
