package slack

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// fakeAPI serves conversation history from in-memory fixtures.
type fakeAPI struct {
	conversations []Conversation
	history       map[string][]Message
	historyErr    map[string]error
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	return f.conversations, nil
}

func (f *fakeAPI) ConversationHistory(ctx context.Context, channelID, oldestTS string, limit int) ([]Message, error) {
	if err := f.historyErr[channelID]; err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range f.history[channelID] {
		if oldestTS != "" && m.TS <= oldestTS {
			continue
		}
		out = append(out, m)
	}
	// Slack returns newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAPI) ConversationReplies(ctx context.Context, channelID, threadTS string) ([]Message, error) {
	return nil, nil
}

func newBackfillEnv(t *testing.T) (*queue.Store, statepaths.StatePaths, *logging.Set) {
	t.Helper()
	paths := statepaths.New(t.TempDir())
	if err := paths.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	store, err := queue.NewStore(paths, clock.System(), &clock.Counter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	logs, err := logging.OpenSet(paths.LogsDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logs.Close)
	return store, paths, logs
}

func readIncoming(t *testing.T, paths statepaths.StatePaths) []*queue.IncomingMessage {
	t.Helper()
	entries, err := os.ReadDir(paths.QueueIncoming())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var msgs []*queue.IncomingMessage
	for _, name := range names {
		data, err := os.ReadFile(paths.QueueIncoming() + "/" + name)
		if err != nil {
			t.Fatal(err)
		}
		var m queue.IncomingMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, &m)
	}
	return msgs
}

func TestBackfill_EnqueuesHumanMessages(t *testing.T) {
	store, paths, logs := newBackfillEnv(t)
	api := &fakeAPI{
		conversations: []Conversation{{ID: "C1"}},
		history: map[string][]Message{
			"C1": {
				{TS: "1712000001.000100", User: "U1", Text: "first"},
				{TS: "1712000002.000100", User: "U2", Text: "second"},
				{TS: "1712000003.000100", BotID: "B1", Text: "bot noise"},
				{TS: "1712000004.000100", User: "U1", Text: ""},
			},
		},
	}

	res, err := Backfill(context.Background(), api, store, paths, logs, "team-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conversations != 1 || res.Enqueued != 2 || res.Skipped != 2 {
		t.Errorf("result = %+v, want 1 conversation, 2 enqueued, 2 skipped", res)
	}

	msgs := readIncoming(t, paths)
	if len(msgs) != 2 {
		t.Fatalf("incoming = %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Channel != "slack" || m.ChannelProfileID != "team-a" || m.ConversationID != "C1" {
			t.Errorf("message = %+v", m)
		}
	}
}

func TestBackfill_CursorSkipsSeenMessages(t *testing.T) {
	store, paths, logs := newBackfillEnv(t)
	api := &fakeAPI{
		conversations: []Conversation{{ID: "C1"}},
		history: map[string][]Message{
			"C1": {{TS: "1712000001.000100", User: "U1", Text: "first"}},
		},
	}
	if _, err := Backfill(context.Background(), api, store, paths, logs, "team-a", 100); err != nil {
		t.Fatal(err)
	}

	api.history["C1"] = append(api.history["C1"],
		Message{TS: "1712000005.000100", User: "U2", Text: "later"})
	res, err := Backfill(context.Background(), api, store, paths, logs, "team-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 1 {
		t.Errorf("second pass enqueued %d, want 1", res.Enqueued)
	}
	if msgs := readIncoming(t, paths); len(msgs) != 2 {
		t.Errorf("incoming = %d messages after two passes, want 2", len(msgs))
	}
}

func TestBackfill_ThreadRepliesGetThreadConversation(t *testing.T) {
	store, paths, logs := newBackfillEnv(t)
	api := &fakeAPI{
		conversations: []Conversation{{ID: "C1"}},
		history: map[string][]Message{
			"C1": {
				{TS: "1712000001.000100", User: "U1", Text: "root", ThreadTS: "1712000001.000100"},
				{TS: "1712000002.000100", User: "U2", Text: "reply", ThreadTS: "1712000001.000100"},
			},
		},
	}
	if _, err := Backfill(context.Background(), api, store, paths, logs, "team-a", 100); err != nil {
		t.Fatal(err)
	}

	msgs := readIncoming(t, paths)
	if len(msgs) != 2 {
		t.Fatalf("incoming = %d messages, want 2", len(msgs))
	}
	byText := map[string]*queue.IncomingMessage{}
	for _, m := range msgs {
		byText[m.Message] = m
	}
	if root := byText["root"]; root.ConversationID != "C1" || root.IsThreadReply {
		t.Errorf("root = %+v", root)
	}
	if reply := byText["reply"]; reply.ConversationID != "C1/1712000001.000100" || !reply.IsThreadReply {
		t.Errorf("reply = %+v", reply)
	}
}

func TestBackfill_HistoryErrorSkipsConversation(t *testing.T) {
	store, paths, logs := newBackfillEnv(t)
	api := &fakeAPI{
		conversations: []Conversation{{ID: "C1"}, {ID: "C2"}},
		history: map[string][]Message{
			"C2": {{TS: "1712000001.000100", User: "U1", Text: "fine"}},
		},
		historyErr: map[string]error{"C1": errors.New("rate_limited")},
	}
	res, err := Backfill(context.Background(), api, store, paths, logs, "team-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 1 {
		t.Errorf("enqueued %d, want 1 from the healthy conversation", res.Enqueued)
	}
}

func TestTsToUnix(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1712000001.000100", 1712000001},
		{"1712000001", 1712000001},
		{"", 0},
		{"not-a-ts", 0},
	}
	for _, tt := range tests {
		if got := tsToUnix(tt.in); got != tt.want {
			t.Errorf("tsToUnix(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
