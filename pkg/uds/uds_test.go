package uds

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lobcore/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sock")
	srv, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	require.ErrorIs(t, srv.Listen(), ErrAlreadyListening)

	var mu sync.Mutex
	var lines []string
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, func(_ context.Context, conn net.Conn) {
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				mu.Lock()
				lines = append(lines, scanner.Text())
				mu.Unlock()
			}
		})
	}()

	client, err := NewClient(path, time.Second)
	require.NoError(t, err)
	for _, msg := range []string{"a\nb\n", "c\n"} {
		conn, err := client.Dial()
		require.NoError(t, err)
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, lines)
	mu.Unlock()

	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServeClosesIdleConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idle.sock")
	srv, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	accepted := make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, func(_ context.Context, conn net.Conn) {
			close(accepted)
			var buf [1]byte
			_, _ = conn.Read(buf[:])
		})
	}()

	client, err := NewClient(path, time.Second)
	require.NoError(t, err)
	conn, err := client.Dial()
	require.NoError(t, err)
	defer conn.Close()
	<-accepted

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return with an idle connection open")
	}
}

func TestErrors(t *testing.T) {
	_, err := NewServer("")
	require.ErrorIs(t, err, exception.ErrEmptyPathUDS)
	_, err = NewClient("", 0)
	require.ErrorIs(t, err, exception.ErrEmptyPathUDS)

	var nilClient *Client
	_, err = nilClient.Dial()
	require.ErrorIs(t, err, exception.ErrNilClientUDS)

	srv, err := NewServer(filepath.Join(t.TempDir(), "x.sock"))
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(context.Background(), nil), ErrNotListening)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.ErrorIs(t, RemoveIfExists(file), ErrPathNotSocket)
}
