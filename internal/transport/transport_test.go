//go:build !windows

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proth1/kmflow-sub006/internal/events"
)

type lineServer struct {
	ln    net.Listener
	lines chan string
}

func newLineServer(t *testing.T) (*lineServer, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	s := &lineServer{ln: ln, lines: make(chan string, 64)}
	go s.accept()
	t.Cleanup(func() { _ = ln.Close() })
	return s, sock
}

func (s *lineServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			sc := bufio.NewScanner(c)
			for sc.Scan() {
				s.lines <- sc.Text()
			}
			_ = c.Close()
		}(conn)
	}
}

func (s *lineServer) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-s.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope line")
		return ""
	}
}

func testEnvelope(seq uint64) *events.Envelope {
	ev := events.New(events.TypeAppSwitch)
	ev.ApplicationName = "EXCEL.EXE"
	ev.SequenceNumber = seq
	return events.Wrap(ev)
}

func TestClientSendsNewlineDelimitedJSON(t *testing.T) {
	srv, sock := newLineServer(t)
	c := NewClient(sock, slog.Default())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Send(testEnvelope(1)))
	require.NoError(t, c.Send(testEnvelope(2)))

	var env events.Envelope
	require.NoError(t, json.Unmarshal([]byte(srv.next(t)), &env))
	assert.EqualValues(t, 1, env.Version)
	assert.EqualValues(t, 1, env.SequenceNumber)
	assert.Equal(t, events.TypeAppSwitch, env.Event.EventType)

	require.NoError(t, json.Unmarshal([]byte(srv.next(t)), &env))
	assert.EqualValues(t, 2, env.SequenceNumber)
}

func TestClientConnectBacksOffUntilListenerAppears(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "late.sock")
	c := NewClient(sock, slog.Default())
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = bufio.NewReader(conn).ReadString('\n')
		}
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not succeed after listener appeared")
	}
	assert.True(t, c.Connected())
}

func TestClientConnectHonorsContext(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "never.sock"), slog.Default())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientReconnectsOnBrokenConn(t *testing.T) {
	srv, sock := newLineServer(t)
	c := NewClient(sock, slog.Default())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Send(testEnvelope(1)))
	srv.next(t)

	// Kill the client's connection out from under it; Send should dial a
	// fresh connection and retry.
	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.Send(testEnvelope(2)))
	var env events.Envelope
	require.NoError(t, json.Unmarshal([]byte(srv.next(t)), &env))
	assert.EqualValues(t, 2, env.SequenceNumber)
}

func TestClientSendFailsWithoutEndpoint(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "gone.sock"), slog.Default())
	defer c.Close()

	err := c.Send(testEnvelope(1))
	require.Error(t, err)
}

func TestClientClosedBehavior(t *testing.T) {
	_, sock := newLineServer(t)
	c := NewClient(sock, slog.Default())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(testEnvelope(1)), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.NoError(t, c.Close())
}
