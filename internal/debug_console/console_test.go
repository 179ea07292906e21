package debugconsole

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrint_IgnoresRepeatedLines(t *testing.T) {
	c := New(&syncBuffer{}, Config{})

	c.Print("Sent")
	c.Print("Received 10.0.0.1")
	c.Print("Sent")
	c.Print("")

	assert.Equal(t, []string{"Sent", "Received 10.0.0.1"}, c.History())
}

func TestPrint_HistoryWindow(t *testing.T) {
	c := New(&syncBuffer{}, Config{HistorySize: 2, BufferSize: 8})

	c.Print("a")
	c.Print("b")
	c.Print("c")
	assert.Equal(t, []string{"b", "c"}, c.History())

	// вытесненная строка снова выводится
	c.Print("a")
	assert.Equal(t, []string{"c", "a"}, c.History())
}

func TestPrint_DropsWhenBufferFull(t *testing.T) {
	c := New(&syncBuffer{}, Config{BufferSize: 2})

	c.Print("1")
	c.Print("2")
	c.Print("3")

	assert.Equal(t, int64(1), c.Dropped())
}

func TestRun_WritesLines(t *testing.T) {
	out := &syncBuffer{}
	c := New(out, Config{Prefix: "node-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	c.Print("Server address: 10.0.0.1")
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Server address: 10.0.0.1")
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Contains(t, out.String(), "node-1")
}

func TestRun_FlushesOnCancel(t *testing.T) {
	out := &syncBuffer{}
	c := New(out, Config{})

	c.Print("Connection status: true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	assert.Contains(t, out.String(), "Connection status: true")
}

type fakeHandler struct {
	broadcasts []string
	sent       []string
	pings      []uint32
	closed     int
	peers      []string
	sendErr    error
}

func (h *fakeHandler) Broadcast(text string) error { h.broadcasts = append(h.broadcasts, text); return nil }
func (h *fakeHandler) Send(text string) error      { h.sent = append(h.sent, text); return h.sendErr }
func (h *fakeHandler) Ping(id uint32) error        { h.pings = append(h.pings, id); return nil }
func (h *fakeHandler) CloseConnection() error      { h.closed++; return nil }
func (h *fakeHandler) Peers() []string             { return h.peers }
func (h *fakeHandler) Status() string              { return "role=server connections=2" }

func TestCommands_Execute(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, h *fakeHandler, out string, err error)
	}{
		{
			name: "Broadcast with text",
			line: "broadcast hello all",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"hello all"}, h.broadcasts)
			},
		},
		{
			name: "Broadcast without text",
			line: "broadcast",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{""}, h.broadcasts)
			},
		},
		{
			name: "Send",
			line: "send  hi   there ",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"hi there"}, h.sent)
			},
		},
		{
			name: "Send requires text",
			line: "send",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				assert.Error(t, err)
				assert.Empty(t, h.sent)
			},
		},
		{
			name: "Ping",
			line: "ping 42",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				require.NoError(t, err)
				assert.Equal(t, []uint32{42}, h.pings)
			},
		},
		{
			name: "Ping rejects bad id",
			line: "ping forty-two",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				assert.ErrorContains(t, err, "invalid ping id")
				assert.Empty(t, h.pings)
			},
		},
		{
			name: "Close",
			line: "close",
			check: func(t *testing.T, h *fakeHandler, _ string, err error) {
				require.NoError(t, err)
				assert.Equal(t, 1, h.closed)
			},
		},
		{
			name: "Peers empty",
			line: "peers",
			check: func(t *testing.T, _ *fakeHandler, out string, err error) {
				require.NoError(t, err)
				assert.Contains(t, out, "no peers discovered")
			},
		},
		{
			name: "Status",
			line: "status",
			check: func(t *testing.T, _ *fakeHandler, out string, err error) {
				require.NoError(t, err)
				assert.Contains(t, out, "role=server connections=2")
			},
		},
		{
			name: "Unknown command",
			line: "explode",
			check: func(t *testing.T, _ *fakeHandler, _ string, err error) {
				assert.Error(t, err)
			},
		},
		{
			name: "Blank line",
			line: "   ",
			check: func(t *testing.T, _ *fakeHandler, _ string, err error) {
				assert.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{}
			out := &syncBuffer{}
			err := NewCommands(h, out).Execute(tt.line)
			tt.check(t, h, out.String(), err)
		})
	}
}

func TestCommands_ReadLoop(t *testing.T) {
	h := &fakeHandler{peers: []string{"10.0.0.1:47777 (server=true)"}, sendErr: errors.New("not connected")}
	out := &syncBuffer{}
	cmds := NewCommands(h, out)

	in := strings.NewReader("peers\nsend hi\nping 7\n")
	require.NoError(t, cmds.ReadLoop(context.Background(), in, false))

	assert.Contains(t, out.String(), "10.0.0.1:47777 (server=true)")
	assert.Contains(t, out.String(), "error: not connected", "command errors are printed and the loop continues")
	assert.Equal(t, []uint32{7}, h.pings)
}
