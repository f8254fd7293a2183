package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/AmirhsFar/Chat-Service/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	event string
	data  any
}

type fakeChannel struct {
	events chan ws.Event
	closed atomic.Bool

	mu      sync.Mutex
	emitted []emitted
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan ws.Event, 64)}
}

func (f *fakeChannel) Events() <-chan ws.Event { return f.events }

func (f *fakeChannel) Emit(_ context.Context, event string, data any) error {
	if f.closed.Load() {
		return ws.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emitted{event: event, data: data})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeChannel) sent(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

type fakeSource struct {
	calls atomic.Int32
	fn    func(call int32) (auth.Credential, error)
}

func (f *fakeSource) ValidCredential(context.Context) (auth.Credential, error) {
	return f.fn(f.calls.Add(1))
}

func validCredential() auth.Credential {
	return auth.Credential{
		Token:     "token",
		ExpiresAt: time.Now().Add(time.Hour),
		Email:     "alice@example.com",
		Username:  "alice",
	}
}

func alwaysValid() *fakeSource {
	return &fakeSource{fn: func(int32) (auth.Credential, error) { return validCredential(), nil }}
}

func msg(id string) models.Message {
	return models.Message{ID: id, ChatRoomID: "room", Username: "bob", Kind: models.KindText, Content: id}
}

func newTestSession(t *testing.T, src auth.Source, ch *fakeChannel, interval time.Duration) *Session {
	t.Helper()
	s, err := New(Config{
		RoomID:      "room",
		Credentials: src,
		Dial: func(context.Context, string, ws.TokenFunc) (Channel, error) {
			return ch, nil
		},
		RefreshInterval: interval,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openActive(t *testing.T, src auth.Source, ch *fakeChannel, snapshot ...models.Message) *Session {
	t.Helper()
	s := newTestSession(t, src, ch, time.Hour)
	require.NoError(t, s.Open(context.Background()))
	ch.events <- ws.Connect{}
	ch.events <- ws.InitialMessages{Messages: snapshot}
	waitState(t, s, Active)
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "state %s, want %s", s.State(), want)
}

func messageIDs(t *testing.T, s *Session) []string {
	t.Helper()
	v, err := s.View(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, e := range v.Messages {
		ids = append(ids, e.Message.ID)
	}
	return ids
}

func TestOpenWithoutCredential(t *testing.T) {
	dialed := false
	s, err := New(Config{
		RoomID: "room",
		Credentials: &fakeSource{fn: func(int32) (auth.Credential, error) {
			return auth.Credential{}, auth.ErrUnauthenticated
		}},
		Dial: func(context.Context, string, ws.TokenFunc) (Channel, error) {
			dialed = true
			return newFakeChannel(), nil
		},
	})
	require.NoError(t, err)

	err = s.Open(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Equal(t, Idle, s.State())
	assert.False(t, dialed)

	select {
	case <-s.LoggedOut():
	default:
		t.Fatal("forced logout not signalled")
	}
}

func TestOpenHandshakeRejected(t *testing.T) {
	rejected := &ws.TransportError{Op: "handshake", Err: ws.ErrHandshakeRejected}
	s, err := New(Config{
		RoomID:      "room",
		Credentials: alwaysValid(),
		Dial: func(context.Context, string, ws.TokenFunc) (Channel, error) {
			return nil, rejected
		},
	})
	require.NoError(t, err)

	err = s.Open(context.Background())
	assert.ErrorIs(t, err, ws.ErrHandshakeRejected)
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Err(), ws.ErrHandshakeRejected)

	select {
	case <-s.LoggedOut():
	default:
		t.Fatal("forced logout not signalled")
	}
}

func TestOpenTransportErrorDoesNotLogOut(t *testing.T) {
	s, err := New(Config{
		RoomID:      "room",
		Credentials: alwaysValid(),
		Dial: func(context.Context, string, ws.TokenFunc) (Channel, error) {
			return nil, &ws.TransportError{Op: "dial", Err: errors.New("connection refused")}
		},
	})
	require.NoError(t, err)

	require.Error(t, s.Open(context.Background()))
	assert.Equal(t, Closed, s.State())
	select {
	case <-s.LoggedOut():
		t.Fatal("transport failure must not force logout")
	default:
	}
}

func TestDialReceivesTokenFunc(t *testing.T) {
	var token string
	s, err := New(Config{
		RoomID:      "room",
		Credentials: alwaysValid(),
		Dial: func(ctx context.Context, roomID string, tf ws.TokenFunc) (Channel, error) {
			assert.Equal(t, "room", roomID)
			var err error
			token, err = tf(ctx)
			return newFakeChannel(), err
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, "token", token)
	assert.Equal(t, Authenticated, s.State())
}

func TestSnapshotActivates(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch, msg("m1"), msg("m2"))
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(t, s))
}

func TestLiveEventsBeforeSnapshotAreReplayed(t *testing.T) {
	ch := newFakeChannel()
	s := newTestSession(t, alwaysValid(), ch, time.Hour)
	require.NoError(t, s.Open(context.Background()))

	ch.events <- ws.Chat{Message: msg("m2")}
	ch.events <- ws.Chat{Message: msg("m3")}
	ch.events <- ws.InitialMessages{Messages: []models.Message{msg("m1"), msg("m2")}}
	waitState(t, s, Active)

	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(t, s))
}

func TestScenario(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch, msg("m1"), msg("m2"))

	ch.events <- ws.Chat{Message: msg("m3")}
	require.Eventually(t, func() bool { return len(messageIDs(t, s)) == 3 }, time.Second, 5*time.Millisecond)

	sent, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	require.True(t, sent)
	ch.events <- ws.MoreMessages{Messages: []models.Message{msg("m0")}}
	require.Eventually(t, func() bool { return len(messageIDs(t, s)) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, messageIDs(t, s))

	ch.events <- ws.Chat{Message: msg("m3")}
	ch.events <- ws.Leave{Username: "nobody"}
	require.Eventually(t, func() bool {
		v, _ := s.View(context.Background())
		return len(v.Messages) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, messageIDs(t, s))
}

func TestSendRequiresActive(t *testing.T) {
	ch := newFakeChannel()
	s := newTestSession(t, alwaysValid(), ch, time.Hour)

	err := s.Send(context.Background(), ws.ChatPayload{Content: "early"})
	assert.ErrorIs(t, err, ErrNotActive, "idle")

	require.NoError(t, s.Open(context.Background()))
	err = s.Send(context.Background(), ws.ChatPayload{Content: "early"})
	assert.ErrorIs(t, err, ErrNotActive, "authenticated")

	ch.events <- ws.InitialMessages{}
	waitState(t, s, Active)

	require.NoError(t, s.Send(context.Background(), ws.ChatPayload{Content: "hi", Kind: models.KindText}))
	sent := ch.sent(ws.EventChat)
	require.Len(t, sent, 1)
	payload := sent[0].(ws.ChatPayload)
	assert.Equal(t, "hi", payload.Content)
	assert.Equal(t, "room", payload.ChatRoomID)
	assert.Equal(t, "alice@example.com", payload.UserEmail)
	assert.Equal(t, "alice", payload.Username)

	assert.Equal(t, []string(nil), messageIDs(t, s), "sent messages are not appended locally")
}

func TestPaginationGuard(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch, msg("m1"))

	first, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	second, err := s.RequestOlder(context.Background())
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	requests := ch.sent(ws.EventGetMoreMessages)
	require.Len(t, requests, 1)
	assert.Equal(t, ws.MoreMessagesRequest{OldestMessageID: "m1", ChatRoomID: "room"}, requests[0])

	v, err := s.View(context.Background())
	require.NoError(t, err)
	assert.True(t, v.LoadingOlder)
}

func TestRequestOlderOnEmptyLog(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch)

	sent, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, ch.sent(ws.EventGetMoreMessages))
}

func TestEchoedCursorMustMatch(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch, msg("m1"))

	_, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	ch.events <- ws.MoreMessages{Messages: []models.Message{msg("x")}, Cursor: "other"}
	ch.events <- ws.MoreMessages{Messages: []models.Message{msg("m0")}, Cursor: "m1"}

	require.Eventually(t, func() bool { return len(messageIDs(t, s)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m0", "m1"}, messageIDs(t, s))
}

func TestEmptyPageExhaustsHistory(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch, msg("m1"))

	_, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	ch.events <- ws.MoreMessages{}

	require.Eventually(t, func() bool {
		v, err := s.View(context.Background())
		return err == nil && v.Exhausted
	}, time.Second, 5*time.Millisecond)

	sent, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestDisconnectInvalidatesPagination(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch, msg("m1"), msg("m2"))

	_, err := s.RequestOlder(context.Background())
	require.NoError(t, err)

	ch.events <- ws.Disconnect{Err: errors.New("network down")}
	waitState(t, s, Connecting)
	assert.ErrorIs(t, s.Send(context.Background(), ws.ChatPayload{Content: "x"}), ErrNotActive)

	// A page answering the request made on the old connection is stale.
	ch.events <- ws.MoreMessages{Messages: []models.Message{msg("m0")}}
	ch.events <- ws.Connect{}
	waitState(t, s, Authenticated)

	ch.events <- ws.InitialMessages{Messages: []models.Message{msg("m2"), msg("m3")}}
	waitState(t, s, Active)
	assert.Equal(t, []string{"m2", "m3"}, messageIDs(t, s), "snapshot replaces the log")

	sent, err := s.RequestOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestPresence(t *testing.T) {
	ch := newFakeChannel()
	s := newTestSession(t, alwaysValid(), ch, time.Hour)
	require.NoError(t, s.Open(context.Background()))

	ch.events <- ws.OnlineUsers{Usernames: []string{"a", "b", "c"}}
	ch.events <- ws.Join{Username: "d"}
	ch.events <- ws.Leave{Username: "b"}
	ch.events <- ws.InitialMessages{}
	waitState(t, s, Active)

	v, err := s.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, v.Online)

	require.Len(t, v.Messages, 1, "join notice replayed after the snapshot")
	assert.Equal(t, models.OriginJoin, v.Messages[0].Message.Origin)
	assert.Equal(t, "d joined the chat", v.Messages[0].Message.Content)
}

func TestRenewalFailureClosesActiveSession(t *testing.T) {
	src := &fakeSource{fn: func(call int32) (auth.Credential, error) {
		if call == 1 {
			return validCredential(), nil
		}
		return auth.Credential{}, auth.ErrUnauthenticated
	}}
	ch := newFakeChannel()
	s := newTestSession(t, src, ch, 20*time.Millisecond)
	require.NoError(t, s.Open(context.Background()))
	ch.events <- ws.InitialMessages{Messages: []models.Message{msg("m1")}}
	waitState(t, s, Active)

	// Keep live traffic flowing while the credential check runs.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-s.Done():
				return
			case ch.events <- ws.Chat{Message: msg(time.Now().String())}:
			}
		}
	}()

	select {
	case <-s.LoggedOut():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not logged out")
	}
	<-s.Done()
	assert.Equal(t, Closed, s.State())
	assert.True(t, ch.closed.Load())
	assert.ErrorIs(t, s.Err(), auth.ErrUnauthenticated)

	_, err := s.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransientRenewalErrorKeepsSession(t *testing.T) {
	src := &fakeSource{fn: func(call int32) (auth.Credential, error) {
		if call == 1 {
			return validCredential(), nil
		}
		return auth.Credential{}, context.DeadlineExceeded
	}}
	ch := newFakeChannel()
	s := newTestSession(t, src, ch, 10*time.Millisecond)
	require.NoError(t, s.Open(context.Background()))
	ch.events <- ws.InitialMessages{}
	waitState(t, s, Active)

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Active, s.State())
	select {
	case <-s.LoggedOut():
		t.Fatal("transient error must not log out")
	default:
	}
}

func TestTransportGivesUp(t *testing.T) {
	ch := newFakeChannel()
	s := openActive(t, alwaysValid(), ch)

	ch.events <- ws.Closed{Err: &ws.TransportError{Op: "handshake", Err: ws.ErrHandshakeRejected}}
	<-s.Done()

	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Err(), ws.ErrHandshakeRejected)
	select {
	case <-s.LoggedOut():
	default:
		t.Fatal("rejected reconnect must force logout")
	}
}

func TestCloseIsFinal(t *testing.T) {
	var notified atomic.Int32
	ch := newFakeChannel()
	s, err := New(Config{
		RoomID:      "room",
		Credentials: alwaysValid(),
		Dial: func(context.Context, string, ws.TokenFunc) (Channel, error) {
			return ch, nil
		},
		Notify: func() { notified.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	ch.events <- ws.InitialMessages{Messages: []models.Message{msg("m1")}}
	waitState(t, s, Active)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())
	assert.True(t, ch.closed.Load())
	assert.NoError(t, s.Err())
	assert.Positive(t, notified.Load())

	ch.events <- ws.Chat{Message: msg("late")}
	_, err = s.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Send(context.Background(), ws.ChatPayload{Content: "x"}), ErrClosed)
	assert.Error(t, s.Open(context.Background()))
}

func TestCloseBeforeOpen(t *testing.T) {
	s := newTestSession(t, alwaysValid(), newFakeChannel(), time.Hour)
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())
	assert.Error(t, s.Open(context.Background()))
}

func TestCloseWhileOpenPublishes(t *testing.T) {
	ch := newFakeChannel()
	var (
		s        *Session
		once     sync.Once
		closeRet = make(chan struct{})
	)
	s, err := New(Config{
		RoomID:      "room",
		Credentials: alwaysValid(),
		Dial: func(context.Context, string, ws.TokenFunc) (Channel, error) {
			return ch, nil
		},
		Notify: func() {
			if s.State() != Authenticated {
				return
			}
			once.Do(func() {
				go func() {
					s.Close()
					close(closeRet)
				}()
			})
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Open(context.Background()))
	select {
	case <-closeRet:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, Closed, s.State())
	assert.True(t, ch.closed.Load(), "channel must be closed before Close returns")
}

func TestCloseCancelsDial(t *testing.T) {
	dialing := make(chan struct{})
	s, err := New(Config{
		RoomID:      "room",
		Credentials: alwaysValid(),
		Dial: func(ctx context.Context, _ string, _ ws.TokenFunc) (Channel, error) {
			close(dialing)
			<-ctx.Done()
			return nil, &ws.TransportError{Op: "dial", Err: ctx.Err()}
		},
	})
	require.NoError(t, err)

	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()
	<-dialing

	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())

	select {
	case err := <-opened:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after Close")
	}
	assert.Equal(t, Closed, s.State())
	assert.NoError(t, s.Err())
	select {
	case <-s.LoggedOut():
		t.Fatal("closing during dial must not force logout")
	default:
	}
}

func TestClosedIsTerminal(t *testing.T) {
	s := newTestSession(t, alwaysValid(), newFakeChannel(), time.Hour)
	require.NoError(t, s.Close())
	for _, st := range []State{Error, Connecting, Authenticated, Active, Closing} {
		s.setState(st)
		assert.Equal(t, Closed, s.State(), "after setState(%s)", st)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "unknown", State(99).String())
}
