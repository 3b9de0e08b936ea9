// Package bootstrap opens an annotation session: it fetches the session
// metadata, then the document and the annotation feed concurrently, and
// reports either a complete session or every error that occurred.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"annosync/internal/annotation"
	"annosync/internal/cache"
	"annosync/internal/callback"
	"annosync/internal/docstore"
	"annosync/internal/history"
	"annosync/internal/metrics"
	"annosync/internal/thread"
	"annosync/internal/xfdf"
)

// Fetcher is the part of the sync client the bootstrapper needs.
type Fetcher interface {
	FetchMetadata(ctx context.Context, sessionURL string) (annotation.Metadata, error)
	FetchDocument(ctx context.Context, documentURL string) ([]byte, error)
	FetchFeed(ctx context.Context, feedURL string) (xfdf.Document, error)
}

type MetadataCache interface {
	LookupMetadata(ctx context.Context, sessionURL string) (annotation.Metadata, error)
	SaveMetadata(ctx context.Context, sessionURL string, meta annotation.Metadata) error
}

type HistoryRecorder interface {
	Record(session string, feed xfdf.Document, author, message string) (history.Commit, error)
}

// Session is everything a mediator needs to start.
type Session struct {
	URL      string
	Key      string
	Metadata annotation.Metadata
	Document []byte
	Feed     xfdf.Document
	Decoded  xfdf.Feed
	// PageCount is zero when the document's page tree could not be read.
	PageCount int
}

// Error carries every failure of one bootstrap attempt.
type Error struct {
	Errs []error
}

func (e *Error) Error() string {
	if e == nil || len(e.Errs) == 0 {
		return "bootstrap failed"
	}
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("bootstrap failed (%d errors): %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	return e.Errs
}

type Bootstrapper struct {
	fetcher  Fetcher
	executor callback.Executor
	cache    MetadataCache
	docs     docstore.Store
	history  HistoryRecorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Bootstrapper)

func WithExecutor(executor callback.Executor) Option {
	return func(b *Bootstrapper) {
		if executor != nil {
			b.executor = executor
		}
	}
}

func WithMetadataCache(c MetadataCache) Option {
	return func(b *Bootstrapper) { b.cache = c }
}

func WithDocumentStore(s docstore.Store) Option {
	return func(b *Bootstrapper) { b.docs = s }
}

func WithHistory(h HistoryRecorder) Option {
	return func(b *Bootstrapper) { b.history = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bootstrapper) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bootstrapper) { b.metrics = m }
}

func New(fetcher Fetcher, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		fetcher:  fetcher,
		executor: callback.Inline{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bootstrap runs Run in the background and posts exactly one completion to
// the executor.
func (b *Bootstrapper) Bootstrap(ctx context.Context, sessionURL string, done func(*Session, error)) {
	go func() {
		session, err := b.Run(ctx, sessionURL)
		if !b.executor.Post(func() { done(session, err) }) {
			b.logger.Warn("bootstrap completion dropped, executor closed", zap.String("session", sessionURL))
		}
	}()
}

// Run opens the session and blocks until every started fetch has finished.
// A non-nil error is always an *Error and the session is nil.
func (b *Bootstrapper) Run(ctx context.Context, sessionURL string) (*Session, error) {
	logger := b.logger.With(zap.String("session", sessionURL))

	meta, err := b.metadata(ctx, sessionURL)
	if err != nil {
		return nil, &Error{Errs: []error{err}}
	}

	session := &Session{
		URL:      sessionURL,
		Key:      history.Key(sessionURL),
		Metadata: meta,
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		doc, err := b.document(ctx, meta.DocumentURL)
		if err != nil {
			fail(err)
			return
		}
		session.Document = doc
	}()
	go func() {
		defer wg.Done()
		feed, err := b.fetcher.FetchFeed(ctx, meta.FeedURL)
		if err != nil {
			fail(err)
			return
		}
		decoded, err := xfdf.DecodeFeed(feed)
		if err != nil {
			fail(fmt.Errorf("decode feed: %w", err))
			return
		}
		session.Feed = feed
		session.Decoded = decoded
	}()
	wg.Wait()

	if len(errs) > 0 {
		logger.Warn("bootstrap failed", zap.Errors("errors", errs))
		return nil, &Error{Errs: errs}
	}

	if n, err := docstore.PageCount(session.Document); err != nil {
		logger.Info("page count unavailable", zap.Error(err))
	} else {
		session.PageCount = n
	}

	for _, anomaly := range session.Decoded.Anomalies {
		logger.Info("feed anomaly", zap.String("annotation", anomaly.ID), zap.String("reason", anomaly.Reason))
	}
	b.metrics.FeedAnomalies(len(session.Decoded.Anomalies))
	if dangling := thread.Dangling(session.Decoded.ChildToParent, session.Decoded.Records); len(dangling) > 0 {
		logger.Debug("replies to unknown annotations dropped from threads", zap.Strings("ids", dangling))
	}

	if b.history != nil {
		if _, err := b.history.Record(session.Key, session.Feed, meta.UserName, "Bootstrap feed"); err != nil {
			logger.Warn("record feed history", zap.Error(err))
		}
	}

	logger.Info("session ready",
		zap.Int("annotations", len(session.Decoded.Records)),
		zap.Int("pages", session.PageCount),
		zap.String("permission", string(meta.Permission)),
	)
	return session, nil
}

func (b *Bootstrapper) metadata(ctx context.Context, sessionURL string) (annotation.Metadata, error) {
	if b.cache != nil {
		meta, err := b.cache.LookupMetadata(ctx, sessionURL)
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			b.logger.Warn("metadata cache lookup", zap.Error(err))
		}
	}

	meta, err := b.fetcher.FetchMetadata(ctx, sessionURL)
	if err != nil {
		return annotation.Metadata{}, err
	}
	if b.cache != nil {
		if err := b.cache.SaveMetadata(ctx, sessionURL, meta); err != nil {
			b.logger.Warn("metadata cache save", zap.Error(err))
		}
	}
	return meta, nil
}

func (b *Bootstrapper) document(ctx context.Context, documentURL string) ([]byte, error) {
	if b.docs == nil {
		return b.fetcher.FetchDocument(ctx, documentURL)
	}

	key := docstore.Key(documentURL)
	doc, err := b.docs.Get(ctx, key)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		b.logger.Warn("document store lookup", zap.Error(err))
	}

	doc, err = b.fetcher.FetchDocument(ctx, documentURL)
	if err != nil {
		return nil, err
	}
	if err := b.docs.Put(ctx, key, doc); err != nil {
		b.logger.Warn("document store save", zap.Error(err))
	}
	return doc, nil
}
