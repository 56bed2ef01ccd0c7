package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/host"
	"github.com/cyberinferno/notnet/logger"
)

const waitFor = 3 * time.Second

func startHost(t *testing.T) *host.Host {
	t.Helper()
	cfg := host.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HostName = "test-host"
	h := host.New(cfg, logger.NewNop(), nil)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

type recorder struct {
	frames chan frame.Frame
	states chan ConnectionStateEvent
}

func connect(t *testing.T, h *host.Host, name string) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{
		frames: make(chan frame.Frame, 256),
		states: make(chan ConnectionStateEvent, 16),
	}

	c := New(DefaultConfig(h.Addr().String(), name), logger.NewNop())
	c.OnFrame(func(e FrameEvent) { rec.frames <- e.Frame })
	c.OnConnectionState(func(e ConnectionStateEvent) { rec.states <- e })
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

// notice returns the next received frame that is not a roster update.
func (r *recorder) notice(t *testing.T) frame.Frame {
	t.Helper()
	for {
		select {
		case f := <-r.frames:
			if f.Kind != frame.KindRoster {
				return f
			}
		case <-time.After(waitFor):
			require.FailNow(t, "no frame received")
		}
	}
}

func (r *recorder) state(t *testing.T, want ConnectionState) ConnectionStateEvent {
	t.Helper()
	for {
		select {
		case e := <-r.states:
			if e.State == want {
				return e
			}
		case <-time.After(waitFor):
			require.FailNow(t, "state not reached", want.String())
		}
	}
}

func TestClient_Connect(t *testing.T) {
	h := startHost(t)

	t.Run("admitted with the requested name", func(t *testing.T) {
		c, rec := connect(t, h, "alice")
		rec.state(t, Connecting)
		rec.state(t, Connected)
		assert.Equal(t, Connected, c.GetState())
		assert.Equal(t, "alice", c.Name())
		assert.Equal(t, "test-host", c.HostName())
	})

	t.Run("taken name is renamed", func(t *testing.T) {
		holder, _ := connect(t, h, "carol")
		require.Equal(t, "carol", holder.Name())

		c, _ := connect(t, h, "Carol")
		assert.Equal(t, "Carol-2", c.Name())
	})

	t.Run("rejected hello returns the host code", func(t *testing.T) {
		c := New(DefaultConfig(h.Addr().String(), "SERVER"), logger.NewNop())
		defer func() { _ = c.Close() }()

		err := c.Connect()
		var hostErr *HostError
		require.True(t, errors.As(err, &hostErr), "got %v", err)
		assert.Equal(t, frame.CodeUsernameReserved, hostErr.Code)
		assert.Equal(t, Disconnected, c.GetState())
	})

	t.Run("dial failure", func(t *testing.T) {
		cfg := DefaultConfig("127.0.0.1:1", "x")
		cfg.ConnectionTimeout = 500 * time.Millisecond
		c := New(cfg, logger.NewNop())
		assert.Error(t, c.Connect())
		assert.Equal(t, Disconnected, c.GetState())
	})

	t.Run("connect twice", func(t *testing.T) {
		c, _ := connect(t, h, "twice")
		assert.ErrorIs(t, c.Connect(), ErrAlreadyConnected)
	})

	t.Run("connect after close", func(t *testing.T) {
		c := New(DefaultConfig(h.Addr().String(), "late"), logger.NewNop())
		require.NoError(t, c.Close())
		assert.ErrorIs(t, c.Connect(), ErrClientClosed)
		assert.Equal(t, Closed, c.GetState())
	})
}

func TestClient_Chat(t *testing.T) {
	h := startHost(t)
	alice, aliceRec := connect(t, h, "alice")
	bob, bobRec := connect(t, h, "bob")
	assert.Equal(t, frame.System("bob joined"), aliceRec.notice(t))

	require.NoError(t, bob.SendText("hello"))
	assert.Equal(t, frame.Chat("bob", "hello"), aliceRec.notice(t))

	require.NoError(t, alice.SendText("//slash"))
	assert.Equal(t, frame.Chat("alice", "/slash"), bobRec.notice(t))

	require.NoError(t, alice.SendText("   "))

	require.NoError(t, bob.SendText("/nope"))
	assert.Equal(t, frame.Error(frame.CodeUnknownCommand), bobRec.notice(t))

	t.Run("ordered delivery", func(t *testing.T) {
		for _, text := range []string{"1", "2", "3", "4"} {
			require.NoError(t, alice.SendText(text))
		}
		for _, want := range []string{"1", "2", "3", "4"} {
			assert.Equal(t, want, bobRec.notice(t).Text)
		}
	})
}

func TestClient_Logout(t *testing.T) {
	h := startHost(t)
	_, aliceRec := connect(t, h, "alice")
	bob, bobRec := connect(t, h, "bob")
	assert.Equal(t, frame.System("bob joined"), aliceRec.notice(t))

	require.NoError(t, bob.Logout())
	bobRec.state(t, Closed)
	assert.Equal(t, Closed, bob.GetState())
	assert.Equal(t, frame.System("bob left"), aliceRec.notice(t))
	assert.ErrorIs(t, bob.Send(frame.Chat("", "ghost")), ErrNotConnected)

	select {
	case <-bob.Done():
	default:
		assert.Fail(t, "connection should be finished")
	}
}

func TestClient_HostInitiatedDisconnect(t *testing.T) {
	t.Run("kick", func(t *testing.T) {
		h := startHost(t)
		c, rec := connect(t, h, "bob")
		require.True(t, h.Kick("bob"))

		e := rec.state(t, Disconnected)
		var hostErr *HostError
		require.ErrorAs(t, e.Error, &hostErr)
		assert.Equal(t, frame.CodeKicked, hostErr.Code)
		assert.Equal(t, e.Error, c.Reason())
		assert.Equal(t, Disconnected, c.GetState())
	})

	t.Run("host shutdown", func(t *testing.T) {
		h := startHost(t)
		_, rec := connect(t, h, "carol")
		h.Stop()

		e := rec.state(t, Disconnected)
		var hostErr *HostError
		require.ErrorAs(t, e.Error, &hostErr)
		assert.Equal(t, frame.CodeServerClosed, hostErr.Code)
	})
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}
