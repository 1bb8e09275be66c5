//go:build linux || darwin

package appz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForSocketAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), SocketFile)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, nil, FileMode)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitForSocket(ctx, path, true))
}

func TestWaitForSocketDisappears(t *testing.T) {
	path := filepath.Join(t.TempDir(), SocketFile)
	require.NoError(t, os.WriteFile(path, nil, FileMode))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Remove(path)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitForSocket(ctx, path, false))
}

func TestWaitForSocketAlreadySatisfied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", SocketFile)
	assert.NoError(t, WaitForSocket(context.Background(), path, false))
}

func TestWaitForSocketTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), SocketFile)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := WaitForSocket(ctx, path, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), path)
}

func TestWaitForSocketMissingParent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "later")
	path := filepath.Join(dir, SocketFile)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.MkdirAll(dir, DirMode)
		_ = os.WriteFile(path, nil, FileMode)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitForSocket(ctx, path, true))
}
