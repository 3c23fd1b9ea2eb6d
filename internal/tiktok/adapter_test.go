package tiktok

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/multichat/internal/logger"
	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

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

func (f *fakeReporter) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected > 0
}

func (f *fakeReporter) list() []message.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Event(nil), f.events...)
}

// relayServer sends frames to every connection and then holds it open
type relayServer struct {
	*httptest.Server
	frames []string
	close  bool
	paths  chan string
	active atomic.Int32
}

func newRelay(t *testing.T, frames ...string) *relayServer {
	return startRelay(t, false, frames...)
}

func startRelay(t *testing.T, closeAfter bool, frames ...string) *relayServer {
	rs := &relayServer{frames: frames, close: closeAfter, paths: make(chan string, 8)}
	upgrader := websocket.Upgrader{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		rs.active.Add(1)
		defer rs.active.Add(-1)

		for _, f := range rs.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if rs.close {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.URL, "http") + "/live/{username}"
}

func TestNotConfigured(t *testing.T) {
	a := New(logger.Discard(), Options{Username: "someone"})
	assert.False(t, a.Configured())
	assert.ErrorIs(t, a.Run(context.Background(), &fakeReporter{}), platform.ErrNotConfigured)
}

func TestRunForwardsEvents(t *testing.T) {
	rs := newRelay(t,
		`{"event":"connected","data":{"roomId":"1"}}`,
		`{"event":"chat","data":{"uniqueId":"fan","comment":"hi"}}`,
		`{"event":"gift","data":{"uniqueId":"fan","giftName":"Rose","giftType":1,"diamondCount":1,"repeatCount":1}}`,
		`{"event":"gift","data":{"uniqueId":"fan","giftName":"Rose","giftType":1,"diamondCount":1,"repeatCount":2,"repeatEnd":true}}`,
		`{"event":"like","data":{}}`,
		`not json`,
	)
	a := New(logger.Discard(), Options{Username: "@Host", RelayURL: rs.url()})
	rep := &fakeReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, rep) }()

	assert.Equal(t, "/live/Host", <-rs.paths)
	require.Eventually(t, func() bool { return len(rep.list()) == 2 }, time.Second, 5*time.Millisecond)
	events := rep.list()
	assert.Equal(t, "hi", events[0].Text)
	assert.Equal(t, 2, events[1].Donation.Quantity)
	assert.True(t, rep.isConnected())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New(logger.Discard(), Options{Username: "host", RelayURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/{username}"})
	err := a.Run(context.Background(), &fakeReporter{})
	assert.ErrorIs(t, err, platform.ErrRateLimited)
}

func TestRelayErrorFrame(t *testing.T) {
	rs := newRelay(t, `{"event":"error","data":{"message":"LIVE_NOT_FOUND: user is offline"}}`)
	a := New(logger.Discard(), Options{Username: "host", RelayURL: rs.url()})
	err := a.Run(context.Background(), &fakeReporter{})
	assert.Equal(t, platform.KindNotLive, platform.Classify(err))
}

func TestRelayErrorFrameNotAnObject(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  platform.Kind
	}{
		{"string", `{"event":"error","data":"LIVE_NOT_FOUND"}`, platform.KindNotLive},
		{"number", `{"event":"error","data":429}`, platform.KindRateLimited},
		{"missing", `{"event":"error"}`, platform.KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := newRelay(t, tt.frame)
			a := New(logger.Discard(), Options{Username: "host", RelayURL: rs.url()})
			assert.Equal(t, tt.want, platform.Classify(a.Run(context.Background(), &fakeReporter{})))
		})
	}
}

func TestStreamEnd(t *testing.T) {
	rs := newRelay(t, `{"event":"streamEnd","data":{}}`)
	a := New(logger.Discard(), Options{Username: "host", RelayURL: rs.url()})
	assert.ErrorIs(t, a.Run(context.Background(), &fakeReporter{}), platform.ErrNotLive)
}

func TestFeedDropRetriesAfterTenSeconds(t *testing.T) {
	rs := startRelay(t, true, `{"event":"connected","data":{}}`)
	a := New(logger.Discard(), Options{Username: "host", RelayURL: rs.url()})

	err := a.Run(context.Background(), &fakeReporter{})
	assert.ErrorIs(t, err, platform.ErrDisconnected)
	d, ok := platform.RetryDelay(err)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)
}

func TestNewAttemptClosesPrevious(t *testing.T) {
	rs := newRelay(t, `{"event":"connected","data":{}}`)
	a := New(logger.Discard(), Options{Username: "host", RelayURL: rs.url()})

	first := &fakeReporter{}
	firstDone := make(chan error, 1)
	go func() { firstDone <- a.Run(context.Background(), first) }()
	require.Eventually(t, first.isConnected, time.Second, 5*time.Millisecond)

	second := &fakeReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	secondDone := make(chan error, 1)
	go func() { secondDone <- a.Run(ctx, second) }()

	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, platform.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("previous instance was not closed")
	}

	require.Eventually(t, second.isConnected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rs.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-secondDone
}
