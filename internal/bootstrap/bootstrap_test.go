package bootstrap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"annosync/internal/annotation"
	"annosync/internal/cache"
	"annosync/internal/callback"
	"annosync/internal/docstore"
	"annosync/internal/history"
	"annosync/internal/syncclient"
	"annosync/internal/xfdf"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<xfdf xmlns="http://ns.adobe.com/xfdf/" xml:space="preserve"><fields/><annots>
<text page="0" rect="0,0,1,1" name="A" title="Avery" creationdate="D:20240101100000Z"><contents>root</contents></text>
<text page="0" rect="0,0,1,1" name="B" title="Blake" inreplyto="A"><contents>undated</contents></text>
</annots></xfdf>`

type fakeFetcher struct {
	metaErr, docErr, feedErr error
	feed                     string

	metaCalls, docCalls, feedCalls atomic.Int32
}

func (f *fakeFetcher) FetchMetadata(ctx context.Context, sessionURL string) (annotation.Metadata, error) {
	f.metaCalls.Add(1)
	if f.metaErr != nil {
		return annotation.Metadata{}, f.metaErr
	}
	return annotation.Metadata{
		DocumentURL: sessionURL + "/doc.pdf",
		FeedURL:     sessionURL + "/feed.xfdf",
		Enabled:     true,
		Permission:  annotation.PermissionReadWrite,
		UserName:    "Avery",
	}, nil
}

func (f *fakeFetcher) FetchDocument(ctx context.Context, documentURL string) ([]byte, error) {
	f.docCalls.Add(1)
	if f.docErr != nil {
		return nil, f.docErr
	}
	return []byte("%PDF-1.4 not really"), nil
}

func (f *fakeFetcher) FetchFeed(ctx context.Context, feedURL string) (xfdf.Document, error) {
	f.feedCalls.Add(1)
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	if f.feed != "" {
		return xfdf.Document(f.feed), nil
	}
	return xfdf.Document(testFeed), nil
}

func fetchErr(op string) error {
	return &syncclient.FetchError{Op: op, URL: "https://example.com", StatusCode: 500}
}

func TestRunSuccess(t *testing.T) {
	fetcher := &fakeFetcher{}
	session, err := New(fetcher).Run(context.Background(), "https://api.example.com/s/1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Metadata.UserName != "Avery" {
		t.Fatalf("unexpected metadata %+v", session.Metadata)
	}
	if len(session.Document) == 0 || len(session.Feed) == 0 {
		t.Fatal("expected document and feed bytes")
	}
	if len(session.Decoded.Records) != 2 {
		t.Fatalf("expected 2 decoded records, got %d", len(session.Decoded.Records))
	}
	if len(session.Decoded.Anomalies) != 1 {
		t.Fatalf("expected the undated reply to be reported, got %v", session.Decoded.Anomalies)
	}
	if session.PageCount != 0 {
		t.Fatalf("expected unknown page count for a fake document, got %d", session.PageCount)
	}
	if session.Key != history.Key("https://api.example.com/s/1") {
		t.Fatalf("unexpected session key %q", session.Key)
	}
}

func TestRunMetadataFailureStartsNothingElse(t *testing.T) {
	fetcher := &fakeFetcher{metaErr: fetchErr(syncclient.OpFetchMetadata)}
	session, err := New(fetcher).Run(context.Background(), "https://api.example.com/s/1")
	if session != nil {
		t.Fatal("expected no session")
	}
	var bootErr *Error
	if !errors.As(err, &bootErr) || len(bootErr.Errs) != 1 {
		t.Fatalf("expected one aggregated error, got %v", err)
	}
	if fetcher.docCalls.Load() != 0 || fetcher.feedCalls.Load() != 0 {
		t.Fatalf("document/feed fetched after metadata failure: %d/%d", fetcher.docCalls.Load(), fetcher.feedCalls.Load())
	}
}

func TestRunAllOrNothing(t *testing.T) {
	tests := []struct {
		name     string
		fetcher  *fakeFetcher
		wantErrs int
	}{
		{name: "document fails", fetcher: &fakeFetcher{docErr: fetchErr(syncclient.OpFetchDocument)}, wantErrs: 1},
		{name: "feed fails", fetcher: &fakeFetcher{feedErr: fetchErr(syncclient.OpFetchFeed)}, wantErrs: 1},
		{name: "both fail", fetcher: &fakeFetcher{docErr: fetchErr(syncclient.OpFetchDocument), feedErr: fetchErr(syncclient.OpFetchFeed)}, wantErrs: 2},
		{name: "feed malformed", fetcher: &fakeFetcher{feed: "<xfdf><annots><text"}, wantErrs: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := New(tt.fetcher).Run(context.Background(), "https://api.example.com/s/1")
			if session != nil {
				t.Fatal("partial success must not produce a session")
			}
			var bootErr *Error
			if !errors.As(err, &bootErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if len(bootErr.Errs) != tt.wantErrs {
				t.Fatalf("expected %d errors, got %v", tt.wantErrs, bootErr.Errs)
			}
			if tt.fetcher.docCalls.Load() != 1 || tt.fetcher.feedCalls.Load() != 1 {
				t.Fatal("expected both dependent fetches to run to completion")
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	fetcher := &fakeFetcher{feed: "not xml at all"}
	_, err := New(fetcher).Run(context.Background(), "https://api.example.com/s/1")

	var parseErr *xfdf.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected a ParseError inside %v", err)
	}

	fetcher = &fakeFetcher{docErr: fetchErr(syncclient.OpFetchDocument)}
	_, err = New(fetcher).Run(context.Background(), "https://api.example.com/s/1")
	var fe *syncclient.FetchError
	if !errors.As(err, &fe) || fe.Op != syncclient.OpFetchDocument {
		t.Fatalf("expected the document FetchError inside %v", err)
	}
}

func TestBootstrapFiresOnceOnQueue(t *testing.T) {
	queue := callback.NewQueue()
	defer queue.Close()

	for _, fetcher := range []*fakeFetcher{{}, {metaErr: errors.New("offline")}} {
		var calls atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)
		New(fetcher, WithExecutor(queue)).Bootstrap(context.Background(), "https://api.example.com/s/1", func(s *Session, err error) {
			calls.Add(1)
			if (s == nil) == (err == nil) {
				t.Errorf("expected exactly one of session and error, got %v / %v", s, err)
			}
			wg.Done()
		})
		wg.Wait()

		// anything still queued would run before this
		if err := queue.Do(context.Background(), func() {}); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if calls.Load() != 1 {
			t.Fatalf("expected one completion, got %d", calls.Load())
		}
	}
}

type memoryCache struct {
	mu    sync.Mutex
	items map[string]annotation.Metadata
}

func (c *memoryCache) LookupMetadata(_ context.Context, url string) (annotation.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.items[url]
	if !ok {
		return annotation.Metadata{}, cache.ErrMiss
	}
	return meta, nil
}

func (c *memoryCache) SaveMetadata(_ context.Context, url string, meta annotation.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[url] = meta
	return nil
}

func TestCachesAndStores(t *testing.T) {
	docs, err := docstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	hist := history.New(t.TempDir())
	metaCache := &memoryCache{items: map[string]annotation.Metadata{}}
	fetcher := &fakeFetcher{}

	b := New(fetcher, WithMetadataCache(metaCache), WithDocumentStore(docs), WithHistory(hist))
	for i := 0; i < 2; i++ {
		if _, err := b.Run(context.Background(), "https://api.example.com/s/1"); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
	}

	if fetcher.metaCalls.Load() != 1 {
		t.Fatalf("expected cached metadata on second run, fetched %d times", fetcher.metaCalls.Load())
	}
	if fetcher.docCalls.Load() != 1 {
		t.Fatalf("expected stored document on second run, fetched %d times", fetcher.docCalls.Load())
	}
	if fetcher.feedCalls.Load() != 2 {
		t.Fatalf("feed must always be fetched, got %d", fetcher.feedCalls.Load())
	}

	commits, err := hist.History(history.Key("https://api.example.com/s/1"), 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected one snapshot for an unchanged feed, got %d", len(commits))
	}
}

func TestRunHonoursContext(t *testing.T) {
	client := syncclient.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := New(client).Run(ctx, "http://127.0.0.1:1/s/1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
