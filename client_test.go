package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

type fakeBackend struct {
	*httptest.Server
	reads atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /contacts", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"u2","name":"Guard Post"},{"id":"u1","name":"Me"}]`))
	})
	mux.HandleFunc("GET /unread", func(w http.ResponseWriter, _ *http.Request) {
		if f.reads.Load() > 0 {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"u2":2}`))
	})
	mux.HandleFunc("GET /conversations/{peer}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("PUT /conversations/{peer}/read", func(w http.ResponseWriter, _ *http.Request) {
		f.reads.Add(1)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		in["id"] = "m1"
		in["status"] = "sent"
		_ = json.NewEncoder(w).Encode(in)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Backend.BaseURL = baseURL
	cfg.Cache.Backend = config.BackendMemory
	cfg.Log.Level = "error"
	cfg.Sync.ConversationPollInterval = config.Duration(time.Hour)
	cfg.Sync.BadgePollInterval = config.Duration(time.Hour)
	return cfg
}

func TestClientSendAndBootstrap(t *testing.T) {
	backend := newFakeBackend(t)

	var c *Client
	app := fxtest.New(t,
		Module(Params{Config: testConfig(backend.URL), ParticipantID: "u1"}),
		fx.Populate(&c),
		fx.NopLogger,
	)
	app.RequireStart()
	defer app.RequireStop()

	// Startup loads contacts and the authoritative tally in the background.
	require.Eventually(t, func() bool {
		return len(c.Conversations()) == 1 && c.UnreadTotal() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Guard Post", c.Conversations()[0].DisplayName)
	assert.Equal(t, status.Unavailable, c.PushState())

	msg, err := c.Send(context.Background(), "u2", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, StateSent, msg.State)

	msgs := c.Messages("u2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	_, err = c.Open(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", c.Active())
	assert.Equal(t, 0, c.Unread("u2"))
	assert.EqualValues(t, 1, backend.reads.Load())
}

func TestClientPreferencesAndLogout(t *testing.T) {
	backend := newFakeBackend(t)

	var c *Client
	app := fxtest.New(t,
		Module(Params{Config: testConfig(backend.URL), ParticipantID: "u1"}),
		fx.Populate(&c),
		fx.NopLogger,
	)
	app.RequireStart()
	defer app.RequireStop()

	_, err := c.Send(context.Background(), "u2", "hi", nil)
	require.NoError(t, err)

	c.SetPreferences(Preferences{Mute: true, Theme: "dark", FontSize: 16})
	c.Star("m1", true)
	c.MarkNoticeRead("maintenance")

	require.NoError(t, c.Logout())
	assert.Empty(t, c.Messages("u2"))
	assert.Empty(t, c.Active())
	assert.True(t, c.Preferences().Mute)
	assert.True(t, c.IsStarred("m1"))
	assert.True(t, c.NoticeRead("maintenance"))
}

func TestModuleRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")

	app := fx.New(Module(Params{Config: cfg, ParticipantID: "u1"}), fx.Invoke(func(*Client) {}), fx.NopLogger)
	require.Error(t, app.Err())
}

// TestModuleRequiresParticipant verifies startup fails cleanly when the
// host has no session yet.
func TestModuleRequiresParticipant(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	tokens := func() string { return "" }

	app := fx.New(Module(Params{Config: cfg, Tokens: tokens}), fx.Invoke(func(*Client) {}), fx.NopLogger)
	require.ErrorIs(t, app.Err(), ErrAuthRequired)
}

// TestStartLocksCacheDir verifies two processes never share one
// participant's on-disk cache, and that data survives a restart.
func TestStartLocksCacheDir(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := testConfig(backend.URL)
	cfg.Cache.Backend = config.BackendSQLite
	cfg.Cache.Dir = t.TempDir()
	p := Params{Config: cfg, ParticipantID: "u1"}
	ctx := context.Background()

	first, err := Start(ctx, p)
	require.NoError(t, err)
	_, err = first.Send(ctx, "u2", "hi", nil)
	require.NoError(t, err)

	_, err = Start(ctx, p)
	var held *lock.LockHeldError
	require.True(t, errors.As(err, &held), "second start err = %v, want LockHeldError", err)

	require.NoError(t, first.Stop(ctx))

	second, err := Start(ctx, p)
	require.NoError(t, err)
	defer func() { _ = second.Stop(ctx) }()

	msgs := second.Messages("u2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}
