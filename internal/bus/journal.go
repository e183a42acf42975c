package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zonedesk/zonedesk/internal/pkg/errors"
)

// maxJournalLine bounds one journal line.
const maxJournalLine = 1 << 20

// JournalEntry is one line of the ingest journal.
type JournalEntry struct {
	Seq      uint64    `json:"seq"`
	Topic    string    `json:"topic"`
	Recorded time.Time `json:"recorded"`
	Event    Event     `json:"event"`
}

// JournalQuery selects journal entries. Zero fields match everything.
type JournalQuery struct {
	// AfterSeq skips entries up to and including this sequence number.
	AfterSeq uint64

	// Since skips entries recorded at or before this time.
	Since time.Time

	Topic string

	// Limit caps the result. With Tail the newest Limit matches are
	// returned, otherwise the oldest.
	Limit int
	Tail  bool
}

func (q JournalQuery) matches(e JournalEntry) bool {
	if e.Seq <= q.AfterSeq {
		return false
	}
	if !q.Since.IsZero() && !e.Recorded.After(q.Since) {
		return false
	}
	return q.Topic == "" || e.Topic == q.Topic
}

// Journal is an append-only JSON lines record of events published on the
// bus. Sequence numbers continue across restarts.
type Journal struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	seq  uint64
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	j := &Journal{path: path, now: time.Now, file: f, enc: json.NewEncoder(f)}
	if err := scanJournal(f, func(e JournalEntry) bool {
		if e.Seq > j.seq {
			j.seq = e.Seq
		}
		return true
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("recovering journal sequence: %w", err)
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// LastSeq returns the sequence number of the newest entry.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Append records event under topic.
func (j *Journal) Append(topic string, event Event) (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return JournalEntry{}, errors.New(errors.CodeUnavailable, "journal is closed")
	}
	entry := JournalEntry{
		Seq:      j.seq + 1,
		Topic:    topic,
		Recorded: j.now().UTC(),
		Event:    event,
	}
	if err := j.enc.Encode(entry); err != nil {
		return JournalEntry{}, fmt.Errorf("writing journal entry: %w", err)
	}
	j.seq = entry.Seq
	return entry, nil
}

// Query returns matching entries in journal order.
func (j *Journal) Query(q JournalQuery) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	var out []JournalEntry
	err = scanJournal(f, func(e JournalEntry) bool {
		if !q.matches(e) {
			return true
		}
		out = append(out, e)
		if q.Limit <= 0 {
			return true
		}
		if q.Tail {
			if len(out) > q.Limit {
				out = out[1:]
			}
			return true
		}
		return len(out) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Replay republishes matching entries to dst in journal order and
// returns how many were published. Replaying into a JournaledBus over
// this journal records the events again.
func (j *Journal) Replay(ctx context.Context, dst Bus, q JournalQuery) (int, error) {
	entries, err := j.Query(q)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := dst.Publish(ctx, e.Topic, e.Event); err != nil {
			return i, fmt.Errorf("replaying entry %d (%s): %w", e.Seq, e.Event.ID, err)
		}
	}
	return len(entries), nil
}

// Close closes the journal file. Later appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file, j.enc = nil, nil
	return err
}

// scanJournal calls fn for each well-formed line until fn returns false.
func scanJournal(r io.Reader, fn func(JournalEntry) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	return nil
}
