package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"annosync/internal/xfdf"
)

func feedWith(contents ...string) xfdf.Document {
	fragments := make([]xfdf.Fragment, 0, len(contents))
	for i, text := range contents {
		fragments = append(fragments, xfdf.Fragment(fmt.Sprintf(
			`<text page="0" rect="0,0,1,1" name="N%d" title="Avery" creationdate="D:20240101100000Z"><contents>%s</contents></text>`, i, text)))
	}
	return xfdf.Wrap(fragments...)
}

func TestRecordLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	session := Key("https://api.example.com/sessions/1")

	first, err := svc.Record(session, feedWith("one"), "Avery", "Bootstrap")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, session)); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, err := svc.Record(session, feedWith("one", "two"), "Avery", "Re-upload")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if second.Hash == first.Hash {
		t.Fatal("expected a new commit for a changed feed")
	}

	history, err := svc.History(session, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
	if history[0].Hash != second.Hash {
		t.Fatalf("expected newest first, got %+v", history)
	}

	old, err := svc.FeedAt(session, first.Hash)
	if err != nil {
		t.Fatalf("FeedAt() error = %v", err)
	}
	if string(old) != string(feedWith("one")) {
		t.Fatalf("unexpected snapshot content: %s", old)
	}
}

func TestRecordSkipsUnchangedFeed(t *testing.T) {
	svc := New(t.TempDir())

	first, err := svc.Record("s", feedWith("same"), "Avery", "Bootstrap")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	again, err := svc.Record("s", feedWith("same"), "Avery", "Bootstrap")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected head %s to be reused, got %s", first.Hash, again.Hash)
	}

	history, err := svc.History("s", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(history))
	}
}

func TestHistoryUnknownSession(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("missing", 5); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if _, err := svc.FeedAt("missing", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestConcurrentRecordSameSession(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Record("s", feedWith("base"), "Avery", "Bootstrap"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := svc.Record("s", feedWith(fmt.Sprintf("edit-%02d", idx)), "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Record() concurrent error = %v", err)
	}

	history, err := svc.History("s", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits, got %d", writers+1, len(history))
	}
}

func TestDiffFeeds(t *testing.T) {
	from, err := xfdf.DecodeFeed(feedWith("keep", "edit", "drop"))
	if err != nil {
		t.Fatalf("DecodeFeed() error = %v", err)
	}
	to, err := xfdf.DecodeFeed(feedWith("keep", "edited", "", "new"))
	if err != nil {
		t.Fatalf("DecodeFeed() error = %v", err)
	}

	diff := DiffFeeds(from, to)
	want := Diff{Added: []string{"N3"}, Changed: []string{"N1", "N2"}}
	if !reflect.DeepEqual(diff, want) {
		t.Fatalf("DiffFeeds() = %+v, want %+v", diff, want)
	}
	if DiffFeeds(from, from).Empty() != true {
		t.Fatal("expected identical feeds to have an empty diff")
	}
}
