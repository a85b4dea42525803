package live

import (
	"testing"
	"time"

	"github.com/drsoft-oss/gengar/internal/store"
)

func newFeed(t *testing.T) *Feed {
	t.Helper()
	st := store.New()
	t.Cleanup(st.Close)
	return NewFeed(st)
}

func TestNewEntry_StampsIDAndTimestamp(t *testing.T) {
	e := NewEntry(Entry{Method: "GET"})
	if e.ID == "" {
		t.Error("expected a correlation id")
	}
	if e.TS == 0 {
		t.Error("expected a timestamp")
	}
}

func TestPublish_RecentReturnsNewestFirst(t *testing.T) {
	f := newFeed(t)
	f.Publish(NewEntry(Entry{URL: "http://a"}))
	f.Publish(NewEntry(Entry{URL: "http://b"}))
	f.Publish(NewEntry(Entry{URL: "http://c"}))

	recent := f.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[0].URL != "http://c" {
		t.Errorf("expected newest first, got %s", recent[0].URL)
	}
}

func TestPublish_TrimsToMaxLogEntries(t *testing.T) {
	f := newFeed(t)
	for i := 0; i < maxLogEntries+10; i++ {
		f.Publish(NewEntry(Entry{URL: "http://x"}))
	}
	if len(f.Recent(maxLogEntries + 50)) != maxLogEntries {
		t.Errorf("expected log capped at %d entries, got %d", maxLogEntries, len(f.Recent(maxLogEntries+50)))
	}
}

func TestSubscribe_ReceivesPublishedEntry(t *testing.T) {
	f := newFeed(t)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Publish(NewEntry(Entry{URL: "http://a", Status: 200}))

	select {
	case e := <-ch:
		if e.URL != "http://a" || e.Status != 200 {
			t.Errorf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published entry")
	}
}
