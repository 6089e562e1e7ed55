package util

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserHomeReturnsValidPath(t *testing.T) {
	home := UserHome()
	require.NotEmpty(t, home)
	info, err := os.Stat(home)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAppDirUnderHome(t *testing.T) {
	assert.Equal(t, filepath.Join(UserHome(), AppDirName), AppDir())
}

func TestCheckFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.False(t, CheckFileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.True(t, CheckFileExists(path))
	assert.True(t, CheckFileExists(dir))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	// Existing directory is fine.
	require.NoError(t, EnsureDir(dir))
}

type mockCloser struct {
	mu     sync.Mutex
	closed bool
	err    error
	order  *[]int
	id     int
}

func (m *mockCloser) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.order != nil {
		*m.order = append(*m.order, m.id)
	}
	return m.err
}

func TestCloseAllReverseOrder(t *testing.T) {
	var order []int
	for i := 0; i < 3; i++ {
		RegisterCloser(&mockCloser{order: &order, id: i})
	}
	require.NoError(t, CloseAll())
	assert.Equal(t, []int{2, 1, 0}, order)

	// Registry is cleared.
	require.NoError(t, CloseAll())
	assert.Len(t, order, 3)
}

func TestCloseAllJoinsErrors(t *testing.T) {
	errA := errors.New("a")
	good := &mockCloser{}
	RegisterCloser(&mockCloser{err: errA})
	RegisterCloser(good)
	RegisterCloser(nil)

	err := CloseAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.True(t, good.closed)
}

func TestRegisterCloserConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RegisterCloser(&mockCloser{})
		}()
	}
	wg.Wait()
	closeMutex.Lock()
	n := len(closeOnExit)
	closeMutex.Unlock()
	assert.Equal(t, 50, n)
	require.NoError(t, CloseAll())
}
