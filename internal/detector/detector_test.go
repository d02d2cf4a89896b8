package detector

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestPortDetector(t *testing.T) {
	ctx := context.Background()
	up := PortDetector{Port: listen(t)}
	ok, err := up.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	down := PortDetector{Host: "127.0.0.1", Port: freePort(t)}
	ok, err = down.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, down.Describe(), "port:127.0.0.1:")
}

func TestPortDetector_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PortDetector{Port: freePort(t)}.Alive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNameDetector_FindsSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := NameDetector{Name: filepath.Base(exe)}.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	self := int32(os.Getpid())
	ok, err = NameDetector{Name: filepath.Base(exe), Ignore: func(pid int32) bool { return pid == self }}.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = NameDetector{Name: "definitely-not-running-monerod-xyz"}.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = NameDetector{}.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "monerod", normalize("/opt/monero/MONEROD.exe"))
	assert.Equal(t, "monerod", normalize(" monerod "))
	assert.Equal(t, "", normalize(""))
}

type stub struct {
	ok  bool
	err error
}

func (s stub) Alive(context.Context) (bool, error) { return s.ok, s.err }
func (s stub) Describe() string                    { return "stub" }

func TestAny(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	ok, err := Any{stub{err: boom}, stub{ok: true}}.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Any{stub{}, stub{err: boom}}.Alive(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, "any(stub, stub)", Any{stub{}, stub{}}.Describe())
}

func TestExistingNode(t *testing.T) {
	port := listen(t)
	ok, err := ExistingNode("", port).Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "any(port:127.0.0.1:18081, name:monerod)", ExistingNode("monerod", 18081).Describe())
}
