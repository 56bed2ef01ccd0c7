package host

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/logger"
	"github.com/cyberinferno/notnet/metrics"
)

const waitFor = 3 * time.Second

func startHost(t *testing.T, mutate func(*Config)) *Host {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	h := New(cfg, logger.NewNop(), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *frame.Reader
}

func dial(t *testing.T, h *Host) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.Addr().String(), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: frame.NewReader(conn, frame.HardMaxFrameSize)}
}

// join dials, says hello and consumes the Welcome and the first Roster.
func join(t *testing.T, h *Host, name string) *testClient {
	t.Helper()
	c := dial(t, h)
	c.send(frame.Hello(name))
	welcome := c.next()
	require.Equal(t, frame.KindWelcome, welcome.Kind, "got %v", welcome)
	require.Equal(t, frame.KindRoster, c.next().Kind)
	return c
}

func (c *testClient) send(f frame.Frame) {
	c.t.Helper()
	require.NoError(c.t, frame.Write(c.conn, f))
}

func (c *testClient) next() frame.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	f, err := c.reader.ReadFrame()
	require.NoError(c.t, err)
	return f
}

// nextNotice returns the next frame that is not a roster update.
func (c *testClient) nextNotice() frame.Frame {
	c.t.Helper()
	for {
		if f := c.next(); f.Kind != frame.KindRoster {
			return f
		}
	}
}

// silent asserts nothing but roster updates arrive for a short while.
func (c *testClient) silent() {
	c.t.Helper()
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		f, err := c.reader.ReadFrame()
		if err != nil {
			var ne net.Error
			require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected read error %v", err)
			return
		}
		require.Equal(c.t, frame.KindRoster, f.Kind, "unexpected frame %v", f)
	}
}

// closed asserts the host closes the connection, skipping anything queued
// before the close.
func (c *testClient) closed() {
	c.t.Helper()
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, err := c.reader.ReadFrame()
		if err != nil {
			var ne net.Error
			require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
			return
		}
	}
}

func TestHost_EndToEnd(t *testing.T) {
	h := startHost(t, nil)

	alice := dial(t, h)
	alice.send(frame.Hello("alice"))
	assert.Equal(t, frame.Welcome("alice", DefaultHostName), alice.next())
	assert.Equal(t, []string{"alice"}, alice.next().Names())

	bob := dial(t, h)
	bob.send(frame.Hello("bob"))
	assert.Equal(t, frame.Welcome("bob", DefaultHostName), bob.next())
	assert.Equal(t, []string{"alice", "bob"}, bob.next().Names())

	assert.Equal(t, frame.System("bob joined"), alice.next())
	assert.Equal(t, []string{"alice", "bob"}, alice.next().Names())

	alice.send(frame.Chat("", "hello"))
	assert.Equal(t, frame.Chat("alice", "hello"), bob.next())
	alice.silent()

	bob.send(frame.Control("/logout"))
	assert.Equal(t, frame.System("bob left"), alice.next())
	assert.Equal(t, []string{"alice"}, alice.next().Names())
	bob.closed()
	assert.Equal(t, 1, h.SessionCount())

	require.NoError(t, alice.conn.Close())
	assert.Eventually(t, func() bool { return h.SessionCount() == 0 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, h.Roster())
}

func TestHost_Chat(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	carol := join(t, h, "carol")
	assert.Equal(t, frame.System("bob joined"), alice.nextNotice())
	assert.Equal(t, frame.System("carol joined"), alice.nextNotice())
	assert.Equal(t, frame.System("carol joined"), bob.nextNotice())

	t.Run("payload reaches every other session byte for byte", func(t *testing.T) {
		payload := "  tabs\tand ünïcode \x7f and spaces  "
		alice.send(frame.Chat("", payload))
		assert.Equal(t, frame.Chat("alice", payload), bob.nextNotice())
		assert.Equal(t, frame.Chat("alice", payload), carol.nextNotice())
		alice.silent()
	})

	t.Run("sender field from the client is ignored", func(t *testing.T) {
		bob.send(frame.Chat("alice", "spoof"))
		assert.Equal(t, frame.Chat("bob", "spoof"), carol.nextNotice())
		assert.Equal(t, frame.Chat("bob", "spoof"), alice.nextNotice())
	})

	t.Run("whitespace only chat is dropped", func(t *testing.T) {
		alice.send(frame.Chat("", "   "))
		alice.send(frame.Chat("", "after"))
		assert.Equal(t, "after", bob.nextNotice().Text)
	})

	t.Run("per sender order is preserved", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			carol.send(frame.Chat("", fmt.Sprintf("m%d", i)))
		}
		for i := 0; i < 50; i++ {
			assert.Equal(t, fmt.Sprintf("m%d", i), alice.nextNotice().Text)
		}
	})
}

func TestHost_Handshake(t *testing.T) {
	t.Run("duplicate names are renamed", func(t *testing.T) {
		h := startHost(t, nil)
		join(t, h, "alice")

		c := dial(t, h)
		c.send(frame.Hello("ALICE"))
		assert.Equal(t, frame.Welcome("ALICE-2", DefaultHostName), c.next())

		d := dial(t, h)
		d.send(frame.Hello("alice"))
		assert.Equal(t, frame.Welcome("alice-3", DefaultHostName), d.next())
		assert.Equal(t, 3, h.SessionCount())
	})

	t.Run("reject policy refuses a taken name", func(t *testing.T) {
		h := startHost(t, func(c *Config) { c.DuplicatePolicy = RejectOnDuplicate })
		join(t, h, "alice")

		c := dial(t, h)
		c.send(frame.Hello("Alice"))
		assert.Equal(t, frame.Error(frame.CodeUsernameTaken), c.next())
		c.closed()
		assert.Equal(t, 1, h.SessionCount())
	})

	t.Run("empty name becomes a guest", func(t *testing.T) {
		h := startHost(t, nil)
		c := dial(t, h)
		c.send(frame.Hello("   "))
		assert.Equal(t, frame.Welcome("guest-1", DefaultHostName), c.next())
	})

	t.Run("guests are numbered in order", func(t *testing.T) {
		h := startHost(t, nil)
		for _, want := range []string{"guest-1", "guest-2"} {
			c := dial(t, h)
			c.send(frame.Hello(""))
			assert.Equal(t, frame.Welcome(want, DefaultHostName), c.next())
		}
	})

	t.Run("renamed long names stay within the limit", func(t *testing.T) {
		h := startHost(t, nil)
		long := strings.Repeat("é", MaxNameLength)
		join(t, h, long)

		c := dial(t, h)
		c.send(frame.Hello(long))
		welcome := c.next()
		require.Equal(t, frame.KindWelcome, welcome.Kind, "got %v", welcome)
		assert.Equal(t, strings.Repeat("é", MaxNameLength-2)+"-2", welcome.Sender)
		assert.Equal(t, 2, h.SessionCount())
	})

	rejects := []struct {
		name  string
		hello frame.Frame
		code  string
	}{
		{"reserved name", frame.Hello("server"), frame.CodeUsernameReserved},
		{"control characters", frame.Hello("bad\nname"), frame.CodeUsernameInvalid},
		{"too long", frame.Hello(strings.Repeat("x", MaxNameLength+1)), frame.CodeUsernameInvalid},
		{"first frame not hello", frame.Chat("alice", "hi"), frame.CodeBadHello},
		{"protocol mismatch", frame.Frame{Kind: frame.KindHello, Sender: "alice", Text: "99"}, frame.CodeProtocolMismatch},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			h := startHost(t, nil)
			c := dial(t, h)
			c.send(tt.hello)
			assert.Equal(t, frame.Error(tt.code), c.next())
			c.closed()
			assert.Equal(t, 0, h.SessionCount())
		})
	}

	t.Run("handshake timeout closes the connection", func(t *testing.T) {
		h := startHost(t, func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })
		c := dial(t, h)
		c.closed()
	})

	t.Run("concurrent duplicate names never overwrite", func(t *testing.T) {
		h := startHost(t, func(c *Config) { c.DuplicatePolicy = RejectOnDuplicate })
		const n = 20

		var wg sync.WaitGroup
		results := make(chan frame.Kind, n)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				conn, err := net.DialTimeout("tcp", h.Addr().String(), waitFor)
				if err != nil {
					results <- 0
					return
				}
				defer func() { _ = conn.Close() }()
				_ = frame.Write(conn, frame.Hello("dup"))
				_ = conn.SetReadDeadline(time.Now().Add(waitFor))
				f, err := frame.NewReader(conn, 0).ReadFrame()
				if err != nil {
					results <- 0
					return
				}
				results <- f.Kind
				if f.Kind == frame.KindWelcome {
					// Hold the name until everyone has been answered.
					time.Sleep(300 * time.Millisecond)
				}
			}()
		}
		wg.Wait()
		close(results)

		counts := map[frame.Kind]int{}
		for k := range results {
			counts[k]++
		}
		assert.Equal(t, 1, counts[frame.KindWelcome])
		assert.Equal(t, n-1, counts[frame.KindError])
	})
}

func TestHost_Commands(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	assert.Equal(t, frame.System("bob joined"), alice.nextNotice())

	t.Run("unknown command answers the sender only", func(t *testing.T) {
		bob.send(frame.Control("/dance"))
		assert.Equal(t, frame.Error(frame.CodeUnknownCommand), bob.nextNotice())
		alice.silent()
	})

	t.Run("who returns the roster to the sender", func(t *testing.T) {
		bob.send(frame.Control("/who"))
		got := bob.next()
		assert.Equal(t, frame.KindRoster, got.Kind)
		assert.Equal(t, []string{"alice", "bob"}, got.Names())
		alice.silent()
	})

	t.Run("help lists commands", func(t *testing.T) {
		bob.send(frame.Control("/help"))
		got := bob.nextNotice()
		assert.Equal(t, frame.KindSystem, got.Kind)
		assert.Contains(t, got.Text, "/logout")
	})

	t.Run("unexpected frame kinds are refused", func(t *testing.T) {
		bob.send(frame.Welcome("x", "y"))
		assert.Equal(t, frame.Error(frame.CodeUnexpectedFrame), bob.nextNotice())
		assert.Equal(t, 2, h.SessionCount())
	})
}

func TestHost_MalformedFrameClosesOnlyOffender(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")
	mallory := join(t, h, "mallory")
	assert.Equal(t, frame.System("mallory joined"), alice.nextNotice())

	// Body of two bytes with an unknown kind.
	raw := make([]byte, 4, 6)
	binary.LittleEndian.PutUint32(raw, 2)
	raw = append(raw, 0xEE, 0)
	_, err := mallory.conn.Write(raw)
	require.NoError(t, err)

	assert.Equal(t, frame.Error(frame.CodeMalformedFrame), mallory.nextNotice())
	mallory.closed()
	assert.Equal(t, frame.System("mallory left"), alice.nextNotice())

	bob := join(t, h, "bob")
	bob.send(frame.Chat("", "still here?"))
	assert.Equal(t, frame.System("bob joined"), alice.nextNotice())
	assert.Equal(t, frame.Chat("bob", "still here?"), alice.nextNotice())
}

func TestHost_HangupTearsDownOnce(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	assert.Equal(t, frame.System("bob joined"), alice.nextNotice())

	require.NoError(t, bob.conn.Close())
	assert.Equal(t, frame.System("bob left"), alice.nextNotice())
	alice.silent()
	assert.Equal(t, 1, h.SessionCount())
}

func TestHost_IdleTimeout(t *testing.T) {
	h := startHost(t, func(c *Config) { c.IdleTimeout = 150 * time.Millisecond })
	c := join(t, h, "sleepy")
	c.closed()
	assert.Eventually(t, func() bool { return h.SessionCount() == 0 }, waitFor, 10*time.Millisecond)
}

func TestHost_StalledPeerDoesNotDelayOthers(t *testing.T) {
	h := startHost(t, func(c *Config) {
		c.OutboundQueueSize = 512
		c.WriteTimeout = 200 * time.Millisecond
	})

	stalled := join(t, h, "stalled")
	carol := join(t, h, "carol")
	bob := join(t, h, "bob")
	assert.Equal(t, frame.System("bob joined"), carol.nextNotice())
	_ = stalled // never read from again

	const messages = 300
	payload := strings.Repeat("x", 60*1024)
	go func() {
		for i := 0; i < messages; i++ {
			if frame.Write(bob.conn, frame.Chat("", payload)) != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < messages; i++ {
		require.NoError(t, carol.conn.SetReadDeadline(deadline))
		f, err := carol.reader.ReadFrame()
		require.NoError(t, err, "message %d", i)
		if f.Kind != frame.KindChat {
			i--
			continue
		}
		require.Equal(t, len(payload), len(f.Text))
	}

	assert.Eventually(t, func() bool { return h.SessionCount() == 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestHost_ChurnKeepsRegistryExact(t *testing.T) {
	h := startHost(t, nil)
	const clients = 30

	// Even clients log out and wait for the host to hang up; odd clients
	// stay until the host stops.
	var settled, done sync.WaitGroup
	settled.Add(clients)
	done.Add(clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			defer done.Done()
			conn, err := net.DialTimeout("tcp", h.Addr().String(), waitFor)
			if err != nil {
				settled.Done()
				return
			}
			defer func() { _ = conn.Close() }()

			_ = frame.Write(conn, frame.Hello(fmt.Sprintf("user%d", i)))
			if i%2 == 0 {
				_ = frame.Write(conn, frame.Control("/logout"))
				_, _ = io.Copy(io.Discard, conn)
				settled.Done()
				return
			}

			_, _ = frame.NewReader(conn, 0).ReadFrame()
			settled.Done()
			_, _ = io.Copy(io.Discard, conn)
		}(i)
	}

	settled.Wait()
	assert.Equal(t, clients/2, h.SessionCount())
	assert.Len(t, h.Roster(), clients/2)

	h.Stop()
	done.Wait()
	assert.Equal(t, 0, h.SessionCount())
}

func TestHost_Kick(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	assert.Equal(t, frame.System("bob joined"), alice.nextNotice())

	assert.False(t, h.Kick("nobody"))
	assert.True(t, h.Kick("BOB"))

	assert.Equal(t, frame.Error(frame.CodeKicked), bob.nextNotice())
	bob.closed()
	assert.Equal(t, frame.System("bob left"), alice.nextNotice())

	t.Run("kicked address is banned", func(t *testing.T) {
		again := dial(t, h)
		again.send(frame.Hello("bob"))
		assert.Equal(t, frame.Error(frame.CodeBanned), again.next())
		again.closed()
	})

	t.Run("unban lets it back in", func(t *testing.T) {
		h.Unban("127.0.0.1")
		join(t, h, "bob")
	})
}

func TestHost_Announce(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")

	report := h.Announce("back in five")
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, frame.Chat(frame.ReservedName, "back in five"), alice.nextNotice())

	infos := h.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "alice", infos[0].Name)
	assert.NotEmpty(t, infos[0].RemoteAddr)
	assert.Greater(t, h.Uptime(), time.Duration(0))
}

func TestHost_Stop(t *testing.T) {
	h := startHost(t, nil)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	pending := dial(t, h)

	h.Stop()

	assert.False(t, h.Running.Load())
	assert.Equal(t, 0, h.SessionCount())
	for _, c := range []*testClient{alice, bob} {
		var sawClosed bool
		for !sawClosed {
			require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
			f, err := c.reader.ReadFrame()
			require.NoError(t, err)
			sawClosed = f == frame.Error(frame.CodeServerClosed)
		}
		c.closed()
	}
	pending.closed()

	_, err := net.DialTimeout("tcp", h.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	assert.NotPanics(t, h.Stop)
}

func TestHost_StopBeforeStart(t *testing.T) {
	h := New(Config{Addr: "127.0.0.1:0"}, logger.NewNop(), nil)
	t.Cleanup(h.Stop)

	assert.NotPanics(t, h.Stop)
	require.NoError(t, h.Start())
	addr := h.Addr().String()

	h.Stop()
	assert.False(t, h.Running.Load())
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestHost_RestartAfterStop(t *testing.T) {
	h := startHost(t, nil)
	h.Stop()

	require.NoError(t, h.Start())
	assert.True(t, h.Running.Load())
	join(t, h, "alice")

	h.Stop()
	assert.False(t, h.Running.Load())
	assert.Equal(t, 0, h.SessionCount())
}

func TestCandidateName(t *testing.T) {
	tests := []struct {
		name string
		base string
		n    int
		want string
	}{
		{"short base keeps its text", "alice", 2, "alice-2"},
		{"full length base is cut", strings.Repeat("x", MaxNameLength), 2, strings.Repeat("x", MaxNameLength-2) + "-2"},
		{"wider suffix cuts more", strings.Repeat("x", MaxNameLength), 16, strings.Repeat("x", MaxNameLength-3) + "-16"},
		{"cuts on rune boundaries", strings.Repeat("ü", MaxNameLength), 3, strings.Repeat("ü", MaxNameLength-2) + "-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidateName(tt.base, tt.n)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, checkName(got))
		})
	}
}

func TestHost_StartFailsWhenAddressInUse(t *testing.T) {
	h := startHost(t, nil)

	other := New(Config{Addr: h.Addr().String()}, logger.NewNop(), nil)
	err := other.Start()
	require.Error(t, err)
	assert.False(t, other.Running.Load())

	assert.Error(t, h.Start(), "second Start on a running host")
}
