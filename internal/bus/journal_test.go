package bus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

func journalEvent(id string) Event {
	return Event{
		ID:      id,
		Type:    TypeDomainEvent,
		Source:  "zones-api",
		Payload: json.RawMessage(`{"zone":"example.com"}`),
	}
}

func entryIDs(entries []JournalEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Event.ID
	}
	return ids
}

func openTestJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendAndQuery(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "nested", "events.jsonl"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		topic := TopicEvents
		if id == "e3" {
			topic = TopicRoles
		}
		entry, err := j.Append(topic, journalEvent(id))
		require.NoError(t, err)
		assert.Equal(t, id, entry.Event.ID)
	}
	assert.Equal(t, uint64(4), j.LastSeq())

	tests := []struct {
		name  string
		query JournalQuery
		want  []string
	}{
		{"everything", JournalQuery{}, []string{"e1", "e2", "e3", "e4"}},
		{"by topic", JournalQuery{Topic: TopicEvents}, []string{"e1", "e2", "e4"}},
		{"after seq", JournalQuery{AfterSeq: 2}, []string{"e3", "e4"}},
		{"since", JournalQuery{Since: base.Add(2 * time.Minute)}, []string{"e3", "e4"}},
		{"oldest first", JournalQuery{Limit: 2}, []string{"e1", "e2"}},
		{"tail", JournalQuery{Limit: 2, Tail: true}, []string{"e3", "e4"}},
		{"tail by topic", JournalQuery{Topic: TopicEvents, Limit: 2, Tail: true}, []string{"e2", "e4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.Query(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, entryIDs(got))
		})
	}

	got, err := j.Query(JournalQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, base.Add(time.Minute), got[0].Recorded)
	assert.JSONEq(t, `{"zone":"example.com"}`, string(got[0].Event.Payload))
}

func TestJournalSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	_, err = j.Append(TopicEvents, journalEvent("e1"))
	require.NoError(t, err)
	_, err = j.Append(TopicEvents, journalEvent("e2"))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(TopicEvents, journalEvent("late"))
	assert.Error(t, err)

	reopened := openTestJournal(t, path)
	assert.Equal(t, uint64(2), reopened.LastSeq())
	entry, err := reopened.Append(TopicEvents, journalEvent("e3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.Seq)
}

func TestJournalSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := openTestJournal(t, path)

	_, err := j.Append(TopicEvents, journalEvent("e1"))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = j.Append(TopicEvents, journalEvent("e2"))
	require.NoError(t, err)

	got, err := j.Query(JournalQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, entryIDs(got))
}

func TestJournalReplay(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "events.jsonl"))
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := j.Append(TopicEvents, journalEvent(id))
		require.NoError(t, err)
	}

	target := NewMemoryBus(logger.Discard())
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	wg.Add(2)
	require.NoError(t, target.Subscribe(context.Background(), TopicEvents, func(ctx context.Context, event Event) error {
		mu.Lock()
		ids = append(ids, event.ID)
		mu.Unlock()
		wg.Done()
		return nil
	}))

	n, err := j.Replay(context.Background(), target, JournalQuery{AfterSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waitGroup(t, &wg, time.Second)
	require.NoError(t, target.Close())
	assert.Equal(t, []string{"e2", "e3"}, ids)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = j.Replay(ctx, NewMemoryBus(logger.Discard()), JournalQuery{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestJournaledBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	journal, err := OpenJournal(path)
	require.NoError(t, err)

	b := NewJournaledBus(NewMemoryBus(logger.Discard()), journal, logger.Discard())

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, b.Subscribe(context.Background(), TopicEvents, func(ctx context.Context, event Event) error {
		wg.Done()
		return nil
	}))
	require.NoError(t, b.Publish(context.Background(), TopicEvents, journalEvent("pub-1")))
	waitGroup(t, &wg, time.Second)

	got, err := b.Journal().Query(JournalQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pub-1", got[0].Event.ID)
	assert.Equal(t, TopicEvents, got[0].Topic)

	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), TopicEvents, journalEvent("late")))
}
