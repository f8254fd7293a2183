package chat

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/api"
	"github.com/AmirhsFar/Chat-Service/internal/auth"
	"github.com/AmirhsFar/Chat-Service/internal/chattest"
	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/AmirhsFar/Chat-Service/internal/session"
	"github.com/AmirhsFar/Chat-Service/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noCredentials struct {
	cleared atomic.Int32
}

func (n *noCredentials) ValidCredential(context.Context) (auth.Credential, error) {
	return auth.Credential{}, auth.ErrUnauthenticated
}

func (n *noCredentials) Clear() { n.cleared.Add(1) }

type fixture struct {
	server  *chattest.Server
	client  *api.Client
	manager *auth.Manager
	ctrl    *Controller
	alice   models.User
	bob     models.User
	roomID  string

	// offset shifts the manager's clock.
	offset atomic.Int64
}

func newFixture(t *testing.T, cfg chattest.Config) *fixture {
	t.Helper()
	s, err := chattest.NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	f := &fixture{server: s}
	f.alice, err = s.AddUser("alice@example.com", "alice", "alice-pw")
	require.NoError(t, err)
	f.bob, err = s.AddUser("bob@example.com", "bob", "bob-pw")
	require.NoError(t, err)
	f.roomID, err = s.AddRoom("general", true, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	f.client, err = api.NewClient(api.ClientConfig{BaseURL: s.URL()})
	require.NoError(t, err)
	f.manager, err = auth.NewManager(auth.ManagerConfig{
		Renewer: f.client,
		Skew:    time.Minute,
		Now: func() time.Time {
			return time.Now().Add(time.Duration(f.offset.Load()))
		},
	})
	require.NoError(t, err)

	f.ctrl, err = NewController(ControllerConfig{
		Credentials: f.manager,
		Dial: session.WSDialer(ws.Config{
			URL:          s.WSURL(),
			PageOrder:    ws.NewestFirst,
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 50 * time.Millisecond,
		}),
		RefreshInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(f.ctrl.ExitRoom)
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	token, err := f.client.Login(context.Background(), "alice", "alice-pw")
	require.NoError(t, err)
	_, err = f.manager.SetToken(token)
	require.NoError(t, err)
}

func (f *fixture) enter(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.EnterRoom(context.Background(), f.roomID))
	require.Eventually(t, func() bool { return f.ctrl.State() == session.Active },
		5*time.Second, 10*time.Millisecond)
}

func contents(t *testing.T, c *Controller) []string {
	t.Helper()
	msgs, err := c.Messages(context.Background())
	require.NoError(t, err)
	var out []string
	for _, m := range msgs {
		if m.Origin != models.OriginJoin {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestNewControllerRequiresDependencies(t *testing.T) {
	_, err := NewController(ControllerConfig{})
	assert.Error(t, err)
	_, err = NewController(ControllerConfig{Credentials: &noCredentials{}})
	assert.Error(t, err)
}

func TestEnterRoomWithoutCredential(t *testing.T) {
	creds := &noCredentials{}
	dialed := false
	c, err := NewController(ControllerConfig{
		Credentials: creds,
		Dial: func(context.Context, string, ws.TokenFunc) (session.Channel, error) {
			dialed = true
			return nil, nil
		},
	})
	require.NoError(t, err)

	err = c.EnterRoom(context.Background(), "room")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.False(t, dialed)
	assert.Equal(t, session.Idle, c.State())
	assert.Equal(t, int32(1), creds.cleared.Load())

	select {
	case <-c.LoggedOut():
	default:
		t.Fatal("logout not signalled")
	}
}

func TestSendMessageValidation(t *testing.T) {
	c, err := NewController(ControllerConfig{
		Credentials: &noCredentials{},
		Dial: func(context.Context, string, ws.TokenFunc) (session.Channel, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		msg   Outgoing
		field string
	}{
		{name: "empty", msg: Outgoing{}, field: "content"},
		{name: "unknown kind", msg: Outgoing{Kind: "video", Content: "x"}, field: "kind"},
		{name: "image without file", msg: Outgoing{Kind: models.KindImage, Content: "look"}, field: "file"},
		{name: "file without name", msg: Outgoing{Kind: models.KindFile, File: []byte("x")}, field: "file_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.SendMessage(context.Background(), tt.msg)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, IsValidation(err))
		})
	}

	t.Run("valid outside a room", func(t *testing.T) {
		err := c.SendMessage(context.Background(), Outgoing{Content: "hi"})
		assert.ErrorIs(t, err, session.ErrNotActive)
		assert.False(t, IsValidation(err))
	})
}

func TestOutsideRoomViews(t *testing.T) {
	c, err := NewController(ControllerConfig{
		Credentials: &noCredentials{},
		Dial: func(context.Context, string, ws.TokenFunc) (session.Channel, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "", c.RoomID())
	assert.Equal(t, session.Idle, c.State())
	msgs, err := c.Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = c.RequestOlderMessages(context.Background())
	assert.ErrorIs(t, err, session.ErrNotActive)
	c.ExitRoom()
}

func TestChatRoundTrip(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	_, err := f.server.AddMessage(f.roomID, f.bob, "earlier")
	require.NoError(t, err)
	f.login(t)
	f.enter(t)

	assert.Equal(t, f.roomID, f.ctrl.RoomID())
	assert.Equal(t, []string{"earlier"}, contents(t, f.ctrl))

	require.NoError(t, f.ctrl.SendMessage(context.Background(), Outgoing{Content: "hello"}))
	_, err = f.server.Post(f.roomID, f.bob, "hi alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(contents(t, f.ctrl)) == 3 },
		5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"earlier", "hello", "hi alice"}, contents(t, f.ctrl))
	assert.Equal(t, "earlier", contents(t, f.ctrl)[0])
}

func TestSendFile(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.enter(t)

	err := f.ctrl.SendMessage(context.Background(), Outgoing{
		Kind:     models.KindFile,
		Content:  "notes",
		FileName: "notes.txt",
		File:     []byte("file body"),
	})
	require.NoError(t, err)

	var got models.Message
	require.Eventually(t, func() bool {
		msgs, err := f.ctrl.Messages(context.Background())
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Kind == models.KindFile {
				got = m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "notes.txt", got.FileName)
	data, ok := f.server.Upload(got.FilePath)
	require.True(t, ok)
	assert.Equal(t, []byte("file body"), data)
}

func TestPaginationThroughServer(t *testing.T) {
	f := newFixture(t, chattest.Config{PageSize: 2})
	for _, content := range []string{"m0", "m1", "m2", "m3"} {
		_, err := f.server.AddMessage(f.roomID, f.bob, content)
		require.NoError(t, err)
	}
	f.login(t)
	f.enter(t)
	assert.Equal(t, []string{"m2", "m3"}, contents(t, f.ctrl))

	sent, err := f.ctrl.RequestOlderMessages(context.Background())
	require.NoError(t, err)
	require.True(t, sent)
	require.Eventually(t, func() bool { return len(contents(t, f.ctrl)) == 4 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, contents(t, f.ctrl))

	sent, err = f.ctrl.RequestOlderMessages(context.Background())
	require.NoError(t, err)
	require.True(t, sent)
	require.Eventually(t, func() bool {
		v, err := f.ctrl.View(context.Background())
		return err == nil && v.Exhausted
	}, 5*time.Second, 10*time.Millisecond)

	sent, err = f.ctrl.RequestOlderMessages(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 2, f.server.Received(ws.EventGetMoreMessages))
}

func TestPresenceThroughServer(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.enter(t)

	token, err := f.server.IssueToken(f.bob, time.Hour)
	require.NoError(t, err)
	bob, err := ws.Dial(context.Background(), ws.Config{
		URL:    f.server.WSURL(),
		RoomID: f.roomID,
		Token:  func(context.Context) (string, error) { return token, nil },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		users, err := f.ctrl.OnlineUsers(context.Background())
		return err == nil && assert.ObjectsAreEqual([]string{"bob"}, users)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		users, err := f.ctrl.OnlineUsers(context.Background())
		return err == nil && len(users) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExitRoom(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.enter(t)

	f.ctrl.ExitRoom()
	assert.Equal(t, session.Idle, f.ctrl.State())
	assert.Equal(t, "", f.ctrl.RoomID())
	assert.ErrorIs(t, f.ctrl.SendMessage(context.Background(), Outgoing{Content: "x"}), session.ErrNotActive)

	select {
	case <-f.ctrl.LoggedOut():
		t.Fatal("leaving a room must not log out")
	default:
	}
}

func TestEnterRoomSwitchesRooms(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	other, err := f.server.AddRoom("random", true, f.alice.ID)
	require.NoError(t, err)
	f.login(t)
	f.enter(t)

	require.NoError(t, f.ctrl.EnterRoom(context.Background(), other))
	assert.Equal(t, other, f.ctrl.RoomID())
	require.Eventually(t, func() bool { return f.ctrl.State() == session.Active },
		5*time.Second, 10*time.Millisecond)
}

func TestEnterRoomRenewalRejected(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.server.FailRefresh(http.StatusUnauthorized)
	f.offset.Store(int64(2 * time.Hour))

	err := f.ctrl.EnterRoom(context.Background(), f.roomID)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	<-f.ctrl.LoggedOut()

	_, ok := f.manager.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, f.server.RefreshCount())
	assert.Zero(t, f.server.HandshakeCount())
}

func TestRenewalFailureDuringSessionLogsOut(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.enter(t)

	f.server.FailRefresh(http.StatusUnauthorized)
	f.offset.Store(int64(2 * time.Hour))

	select {
	case <-f.ctrl.LoggedOut():
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not log out")
	}
	require.Eventually(t, func() bool { return f.ctrl.State() == session.Idle },
		5*time.Second, 10*time.Millisecond)

	_, ok := f.manager.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, f.server.RefreshCount(), "renewals are coalesced and not retried")
}

func TestLogoutSignalledAgainAfterRelogin(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.server.FailRefresh(http.StatusUnauthorized)
	f.offset.Store(int64(2 * time.Hour))

	first := f.ctrl.LoggedOut()
	assert.ErrorIs(t, f.ctrl.EnterRoom(context.Background(), f.roomID), auth.ErrUnauthenticated)
	<-first

	f.server.FailRefresh(0)
	f.offset.Store(0)
	f.login(t)
	f.enter(t)

	second := f.ctrl.LoggedOut()
	select {
	case <-second:
		t.Fatal("new login starts with a pending logout signal")
	default:
	}

	f.server.FailRefresh(http.StatusUnauthorized)
	f.offset.Store(int64(2 * time.Hour))
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second forced logout was not signalled")
	}
	_, ok := f.manager.Current()
	assert.False(t, ok)
}

func TestUpdatesAreCoalesced(t *testing.T) {
	f := newFixture(t, chattest.Config{})
	f.login(t)
	f.enter(t)

	for i := 0; i < 5; i++ {
		_, err := f.server.Post(f.roomID, f.bob, "burst")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(contents(t, f.ctrl)) == 5 },
		5*time.Second, 10*time.Millisecond)

	drained := 0
	for {
		select {
		case <-f.ctrl.Updates():
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, drained)
}
