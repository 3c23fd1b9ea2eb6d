package twitch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/multichat/internal/logger"
	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

// fakeClient follows the *twitch.Client contract: Connect blocks until
// Disconnect, and Disconnect fails until the server has welcomed the client
type fakeClient struct {
	onConnect func()
	onPrivate func(twitch.PrivateMessage)
	onNotice  func(twitch.UserNoticeMessage)
	onPong    func(twitch.PongMessage)
	joined    []string

	mu      sync.Mutex
	active  bool
	started chan struct{}
	stop    chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{started: make(chan struct{}), stop: make(chan error, 1)}
}

func (f *fakeClient) OnConnect(cb func())                                   { f.onConnect = cb }
func (f *fakeClient) OnPrivateMessage(cb func(twitch.PrivateMessage))       { f.onPrivate = cb }
func (f *fakeClient) OnUserNoticeMessage(cb func(twitch.UserNoticeMessage)) { f.onNotice = cb }
func (f *fakeClient) OnPongMessage(cb func(twitch.PongMessage))             { f.onPong = cb }
func (f *fakeClient) Join(channels ...string)                               { f.joined = append(f.joined, channels...) }

func (f *fakeClient) Connect() error {
	close(f.started)
	return <-f.stop
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return twitch.ErrConnectionIsNotOpen
	}
	select {
	case f.stop <- twitch.ErrClientDisconnected:
	default:
	}
	return nil
}

// welcome delivers the server's 001
func (f *fakeClient) welcome() {
	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	f.onConnect()
}

// redial drops the connection and welcomes again, as the client's internal
// reconnect does
func (f *fakeClient) redial() {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	f.welcome()
}

type fakeReporter struct {
	mu        sync.Mutex
	connected int
	touched   int
	events    []message.Event
}

func (f *fakeReporter) Connected()    { f.mu.Lock(); f.connected++; f.mu.Unlock() }
func (f *fakeReporter) Disconnected() {}
func (f *fakeReporter) Touch()        { f.mu.Lock(); f.touched++; f.mu.Unlock() }
func (f *fakeReporter) Emit(ev message.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeReporter) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeReporter) list() []message.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Event(nil), f.events...)
}

type fakeAvatars struct{}

func (fakeAvatars) Resolve(ctx context.Context, p message.Platform, username string) string {
	return "https://avatar/" + username
}

func newAdapter(opts Options, clients ...*fakeClient) *Adapter {
	a := New(logger.Discard(), opts, fakeAvatars{})
	var mu sync.Mutex
	next := 0
	a.newClient = func() ircClient {
		mu.Lock()
		defer mu.Unlock()
		c := clients[next]
		next++
		return c
	}
	return a
}

func TestNotConfigured(t *testing.T) {
	a := New(logger.Discard(), Options{}, fakeAvatars{})
	assert.False(t, a.Configured())
	assert.ErrorIs(t, a.Run(context.Background(), &fakeReporter{}), platform.ErrNotConfigured)
}

func TestRunEmitsInOrder(t *testing.T) {
	client := newFakeClient()
	a := newAdapter(Options{Channels: []string{"#Streamer"}, ResolveAvatars: true}, client)
	rep := &fakeReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, rep) }()

	<-client.started
	client.welcome()
	assert.Equal(t, []string{"streamer"}, client.joined)

	client.onPrivate(twitch.PrivateMessage{User: twitch.User{Name: "alice"}, Message: "one"})
	client.onPrivate(twitch.PrivateMessage{
		User:    twitch.User{Name: "erin"},
		Message: "tagged",
		Tags:    map[string]string{"profile-image-url": "https://cdn/erin.png"},
	})
	client.onPrivate(twitch.PrivateMessage{User: twitch.User{Name: "bob"}, Message: "Cheer100", Bits: 100})
	client.onNotice(twitch.UserNoticeMessage{User: twitch.User{Name: "carol"}, MsgID: "raid"})
	client.onNotice(twitch.UserNoticeMessage{User: twitch.User{Name: "dave"}, MsgID: "sub"})
	client.onPong(twitch.PongMessage{})

	require.Eventually(t, func() bool { return len(rep.list()) == 4 }, time.Second, 5*time.Millisecond)
	events := rep.list()
	assert.Equal(t, "one", events[0].Text)
	assert.Equal(t, "https://avatar/alice", events[0].Author.AvatarURL)
	assert.Equal(t, "https://cdn/erin.png", events[1].Author.AvatarURL)
	assert.Equal(t, message.Bits, events[2].Donation.Type)
	assert.Equal(t, message.Sub, events[3].Donation.Type)
	assert.Equal(t, 1, rep.connects())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunEndsWhenAnySessionDrops(t *testing.T) {
	first, second := newFakeClient(), newFakeClient()
	a := newAdapter(Options{Channels: []string{"a", "b"}}, first, second)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), &fakeReporter{}) }()

	<-first.started
	<-second.started
	first.welcome()
	second.welcome()
	first.stop <- errors.New("EOF")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, platform.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunEndsOnInternalRedial(t *testing.T) {
	client := newFakeClient()
	a := newAdapter(Options{Channels: []string{"streamer"}}, client)
	rep := &fakeReporter{}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), rep) }()

	<-client.started
	client.welcome()
	client.redial()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, platform.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the redial")
	}
	assert.Equal(t, 1, rep.connects(), "the redial is not reported as a new connection")
}

func TestCancelBeforeWelcome(t *testing.T) {
	t.Run("welcome arrives later", func(t *testing.T) {
		client := newFakeClient()
		a := newAdapter(Options{Channels: []string{"streamer"}}, client)
		a.closeTimeout = time.Minute
		rep := &fakeReporter{}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx, rep) }()

		<-client.started
		cancel()
		time.Sleep(20 * time.Millisecond)
		client.welcome()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after the late welcome")
		}
		assert.Zero(t, rep.connects())
	})

	t.Run("welcome never arrives", func(t *testing.T) {
		client := newFakeClient()
		a := newAdapter(Options{Channels: []string{"streamer"}}, client)
		a.closeTimeout = 50 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx, &fakeReporter{}) }()

		<-client.started
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run blocked on a client that was never welcomed")
		}
	})
}

// ircServer is a loopback IRC server for driving a real *twitch.Client
type ircServer struct {
	ln       net.Listener
	welcome  bool
	accepted chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
}

func startIRC(t *testing.T, welcome bool) *ircServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &ircServer{ln: ln, welcome: welcome, accepted: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			s.accepted <- conn
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
	})
	return s
}

func (s *ircServer) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if nick, ok := strings.CutPrefix(scanner.Text(), "NICK "); ok && s.welcome {
			fmt.Fprintf(conn, ":tmi.twitch.tv 001 %s :Welcome, GLHF!\r\n", nick)
		}
	}
}

func realAdapter(s *ircServer) *Adapter {
	a := New(logger.Discard(), Options{Channels: []string{"streamer"}}, fakeAvatars{})
	a.newClient = func() ircClient {
		c := twitch.NewAnonymousClient()
		c.IrcAddress = s.ln.Addr().String()
		c.TLS = false
		return c
	}
	return a
}

func TestIRCDropEndsAttempt(t *testing.T) {
	srv := startIRC(t, true)
	a := realAdapter(srv)
	rep := &fakeReporter{}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), rep) }()

	first := <-srv.accepted
	require.Eventually(t, func() bool { return rep.connects() == 1 }, 2*time.Second, 5*time.Millisecond)
	first.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, platform.ErrDisconnected)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the server dropped the connection")
	}
	assert.Equal(t, 1, rep.connects())
}

func TestIRCCancelBeforeWelcome(t *testing.T) {
	srv := startIRC(t, false)
	a := realAdapter(srv)
	a.closeTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, &fakeReporter{}) }()

	<-srv.accepted
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked after cancel on an unwelcomed connection")
	}
}

func TestConnectError(t *testing.T) {
	assert.ErrorIs(t, connectError("x", twitch.ErrLoginAuthenticationFailed), platform.ErrBlocked)
	assert.Equal(t, platform.KindTransport, platform.Classify(connectError("x", &net.OpError{Op: "dial", Err: errors.New("refused")})))
	assert.ErrorIs(t, connectError("x", nil), platform.ErrDisconnected)
}
