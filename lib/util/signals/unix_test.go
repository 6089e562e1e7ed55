//go:build !windows

package signals

import (
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatch(t *testing.T) {
	resetHandlers(t)

	var mu sync.Mutex
	var got []string
	RegisterReloadHandler("reload", func() { mu.Lock(); got = append(got, "reload"); mu.Unlock() })
	RegisterInterruptHandler("close", func() { mu.Lock(); got = append(got, "close"); mu.Unlock() })

	assert.False(t, dispatch(syscall.SIGHUP))
	assert.True(t, dispatch(syscall.SIGTERM))
	assert.Equal(t, []string{"reload", "close"}, got)
}
