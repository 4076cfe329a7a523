package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	platform   string
	failNotify error
	failOpen   error
	sent       []*Notice
	handler    CommandHandler
}

func (f *fakeNotifier) Platform() string { return f.platform }
func (f *fakeNotifier) Connect(context.Context) error { return f.failOpen }
func (f *fakeNotifier) OnCommand(h CommandHandler) { f.handler = h }
func (f *fakeNotifier) Close() error { return nil }
func (f *fakeNotifier) Notify(_ context.Context, n *Notice) error {
	if f.failNotify != nil {
		return f.failNotify
	}
	f.sent = append(f.sent, n)
	return nil
}

func TestBroadcasterFiltersByType(t *testing.T) {
	ctx := context.Background()
	fake := &fakeNotifier{platform: "fake"}
	b := NewBroadcaster([]string{memory.EventError, memory.EventAction}, zap.NewNop())
	b.Add(fake)

	require.NoError(t, b.HandleEvent(ctx, &memory.Event{Type: memory.EventSummary, Content: "quiet"}))
	require.NoError(t, b.HandleEvent(ctx, &memory.Event{Type: memory.EventError, Subtype: "action_not_found", Epoch: 3, Content: "no such action"}))

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "[error/action_not_found] epoch 3", fake.sent[0].Title())

	hist := b.History(10)
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"fake"}, hist[0].Targets)
}

func TestBroadcasterJoinsFailures(t *testing.T) {
	good := &fakeNotifier{platform: "good"}
	bad := &fakeNotifier{platform: "bad", failNotify: errors.New("offline")}
	b := NewBroadcaster(nil, zap.NewNop())
	b.Add(bad)
	b.Add(good)

	err := b.Send(context.Background(), &Notice{Type: "system", Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: offline")
	assert.Len(t, good.sent, 1)
}

func TestBroadcasterConnectDropsFailures(t *testing.T) {
	up := &fakeNotifier{platform: "up"}
	down := &fakeNotifier{platform: "down", failOpen: errors.New("no token")}
	b := NewBroadcaster(nil, zap.NewNop())
	b.Add(up)
	b.Add(down)

	b.Connect(context.Background(), func(context.Context, string) string { return "ok" })
	assert.Equal(t, []string{"up"}, b.Platforms())
	require.NotNil(t, up.handler)
	assert.Equal(t, "ok", up.handler(context.Background(), "/status"))
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, "/step", commandLine("  /step "))
	assert.Equal(t, "/events 5", commandLine("!events 5"))
	assert.Equal(t, "", commandLine("hello there"))
}

func TestDiscordTextIsCapped(t *testing.T) {
	text := discordText(&Notice{Type: "summary", Content: strings.Repeat("x", 3000)})
	assert.LessOrEqual(t, len([]rune(text)), discordLimit)
	assert.True(t, strings.HasPrefix(text, "**[summary] epoch 0**"))
}

func TestSlackNotify(t *testing.T) {
	var mu sync.Mutex
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth.test":
			w.Write([]byte(`{"ok":true,"user":"nuka","user_id":"U1"}`))
		case "/chat.postMessage":
			mu.Lock()
			posted = append(posted, r.FormValue("channel")+"|"+r.FormValue("text"))
			mu.Unlock()
			w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "", "C1", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Notify(context.Background(), &Notice{Type: "action", Subtype: "wait", Creator: "nuka", Epoch: 2, Content: "waited"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posted, 1)
	assert.Equal(t, "C1|*[action/wait] epoch 2* nuka\nwaited", posted[0])
}
