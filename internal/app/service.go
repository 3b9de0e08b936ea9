package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"annosync/internal/annotation"
	"annosync/internal/bootstrap"
	"annosync/internal/callback"
	"annosync/internal/docstore"
	"annosync/internal/export"
	"annosync/internal/history"
	"annosync/internal/journal"
	"annosync/internal/mediator"
	"annosync/internal/metrics"
	"annosync/internal/realtime"
	"annosync/internal/search"
	"annosync/internal/xfdf"
)

// Remote is the annotation service as the app sees it.
type Remote interface {
	bootstrap.Fetcher
	mediator.Syncer
}

// PushConnector opens the realtime channel of a session.
type PushConnector func(push *annotation.Push) (*redis.Client, error)

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Options struct {
	Policy   mediator.RemovePolicy
	Cache    bootstrap.MetadataCache
	Docs     docstore.Store
	History  *history.Service
	Journal  journal.Journal
	Search   *search.Service
	Export   *export.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Realtime PushConnector
	Checks   []Check
}

// SessionInfo summarises an open session.
type SessionInfo struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	UserName    string    `json:"userName"`
	Permission  string    `json:"permission"`
	Enabled     bool      `json:"enabled"`
	PageCount   int       `json:"pageCount"`
	Annotations int       `json:"annotations"`
	Policy      string    `json:"removePolicy"`
	Realtime    bool      `json:"realtime"`
	OpenedAt    time.Time `json:"openedAt"`
}

type hostedSession struct {
	info     SessionInfo
	queue    *callback.Queue
	mediator *mediator.Mediator

	push       *redis.Client
	stopPush   context.CancelFunc
	pushClosed chan struct{}
}

// Service hosts open annotation sessions. Each session owns a callback
// queue; every mediator call runs on it.
type Service struct {
	remote Remote
	opts   Options
	logger *zap.Logger
	boot   *bootstrap.Bootstrapper

	mu       sync.Mutex
	sessions map[string]*hostedSession
}

func New(remote Remote, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Search == nil {
		opts.Search = search.NewService(nil, logger)
	}
	if opts.Export == nil {
		opts.Export = export.NewService()
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewMemory()
	}

	bootOpts := []bootstrap.Option{bootstrap.WithLogger(logger), bootstrap.WithMetrics(opts.Metrics)}
	if opts.Cache != nil {
		bootOpts = append(bootOpts, bootstrap.WithMetadataCache(opts.Cache))
	}
	if opts.Docs != nil {
		bootOpts = append(bootOpts, bootstrap.WithDocumentStore(opts.Docs))
	}
	if opts.History != nil {
		bootOpts = append(bootOpts, bootstrap.WithHistory(opts.History))
	}

	return &Service{
		remote:   remote,
		opts:     opts,
		logger:   logger,
		boot:     bootstrap.New(remote, bootOpts...),
		sessions: make(map[string]*hostedSession),
	}
}

// Open bootstraps sessionURL, or returns the session already open for it.
func (s *Service) Open(ctx context.Context, sessionURL string) (SessionInfo, error) {
	sessionURL = strings.TrimSpace(sessionURL)
	if sessionURL == "" {
		return SessionInfo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "session url is required", nil)
	}
	key := history.Key(sessionURL)
	if h, ok := s.lookup(key); ok {
		return s.info(ctx, h)
	}

	boot, err := s.boot.Run(ctx, sessionURL)
	if err != nil {
		return SessionInfo{}, err
	}

	queue := callback.NewQueue()
	med := mediator.FromSession(boot, s.opts.Policy, mediator.NewMemorySurface(), s.remote,
		mediator.WithJournal(s.opts.Journal),
		mediator.WithLogger(s.logger),
		mediator.WithMetrics(s.opts.Metrics),
	)
	h := &hostedSession{
		info: SessionInfo{
			Key:        boot.Key,
			URL:        sessionURL,
			UserName:   boot.Metadata.UserName,
			Permission: string(med.Permission()),
			Enabled:    boot.Metadata.Enabled,
			PageCount:  boot.PageCount,
			Policy:     med.Policy().String(),
			OpenedAt:   time.Now().UTC(),
		},
		queue:    queue,
		mediator: med,
	}

	s.mu.Lock()
	if existing, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		queue.Close()
		return s.info(ctx, existing)
	}
	s.sessions[key] = h
	s.mu.Unlock()

	s.opts.Search.IndexRecords(search.FromAnnotations(key, med.Records()))
	s.opts.Metrics.SessionOpened()
	s.startRealtime(h, boot.Metadata.Push)

	return s.info(ctx, h)
}

func (s *Service) startRealtime(h *hostedSession, push *annotation.Push) {
	if s.opts.Realtime == nil || push == nil || push.Channel == "" {
		return
	}
	logger := s.logger.With(zap.String("session", h.info.Key))
	client, err := s.opts.Realtime(push)
	if err != nil {
		logger.Warn("push channel unavailable", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := realtime.NewSubscriber(client,
		realtime.WithExecutor(h.queue),
		realtime.WithLogger(logger),
		realtime.WithMetrics(s.opts.Metrics),
	)
	sub, err := subscriber.Subscribe(ctx, push.Channel)
	if err != nil {
		cancel()
		_ = client.Close()
		logger.Warn("push channel subscribe failed", zap.Error(err))
		return
	}

	h.push = client
	h.stopPush = cancel
	h.pushClosed = make(chan struct{})
	h.info.Realtime = true
	go func() {
		defer close(h.pushClosed)
		_ = sub.Run(ctx, func(ev mediator.RemoteEvent) error {
			if err := h.mediator.ApplyRemote(ev); err != nil {
				return err
			}
			s.reindexRemote(h, ev)
			return nil
		})
	}()
}

func (s *Service) reindexRemote(h *hostedSession, ev mediator.RemoteEvent) {
	if ev.Action == mediator.RemoteDelete {
		s.opts.Search.DeleteRecords(h.info.Key, []string{ev.ID})
		return
	}
	if record, ok := h.mediator.Get(ev.Record.ID); ok {
		s.opts.Search.IndexRecords(search.FromAnnotations(h.info.Key, []annotation.Record{record}))
	}
}

// CloseSession stops the session's realtime feed and drains its queue.
func (s *Service) CloseSession(key string) error {
	s.mu.Lock()
	h, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}
	s.shutdown(h)
	return nil
}

// Close shuts every open session down.
func (s *Service) Close() {
	s.mu.Lock()
	hosted := make([]*hostedSession, 0, len(s.sessions))
	for key, h := range s.sessions {
		hosted = append(hosted, h)
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	for _, h := range hosted {
		s.shutdown(h)
	}
}

func (s *Service) shutdown(h *hostedSession) {
	if h.stopPush != nil {
		h.stopPush()
		<-h.pushClosed
		_ = h.push.Close()
	}
	h.queue.Close()
	s.opts.Metrics.SessionClosed()
	s.logger.Info("session closed", zap.String("session", h.info.Key))
}

func (s *Service) lookup(key string) (*hostedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[key]
	return h, ok
}

// run executes fn on the session's queue.
func (s *Service) run(ctx context.Context, key string, fn func(h *hostedSession, m *mediator.Mediator) error) error {
	h, ok := s.lookup(key)
	if !ok {
		return errSessionNotFound
	}
	var fnErr error
	if err := h.queue.Do(ctx, func() { fnErr = fn(h, h.mediator) }); err != nil {
		if errors.Is(err, callback.ErrClosed) {
			return errSessionNotFound
		}
		return err
	}
	return fnErr
}

func (s *Service) info(ctx context.Context, h *hostedSession) (SessionInfo, error) {
	var info SessionInfo
	err := s.run(ctx, h.info.Key, func(h *hostedSession, m *mediator.Mediator) error {
		info = h.info
		info.Annotations = len(m.Records())
		return nil
	})
	return info, err
}

func (s *Service) Session(ctx context.Context, key string) (SessionInfo, error) {
	h, ok := s.lookup(key)
	if !ok {
		return SessionInfo{}, errSessionNotFound
	}
	return s.info(ctx, h)
}

func (s *Service) Sessions(ctx context.Context) ([]SessionInfo, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	out := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		info, err := s.Session(ctx, key)
		if errors.Is(err, errSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) ListPage(ctx context.Context, key string, page int) ([]AnnotationView, error) {
	var out []AnnotationView
	err := s.run(ctx, key, func(_ *hostedSession, m *mediator.Mediator) error {
		out = views(m.ListForPage(page))
		return nil
	})
	return out, err
}

func (s *Service) Annotation(ctx context.Context, key, id string) (AnnotationView, error) {
	var out AnnotationView
	err := s.run(ctx, key, func(_ *hostedSession, m *mediator.Mediator) error {
		record, ok := m.Get(id)
		if !ok {
			return mediator.ErrNotFound
		}
		out = toView(record)
		return nil
	})
	return out, err
}

func (s *Service) Thread(ctx context.Context, key, rootID string) (ThreadView, error) {
	var out ThreadView
	err := s.run(ctx, key, func(_ *hostedSession, m *mediator.Mediator) error {
		root, ok := m.Get(rootID)
		if !ok {
			return mediator.ErrNotFound
		}
		th, _ := m.Thread(rootID)
		out = ThreadView{Root: toView(root), Replies: views(th.Replies)}
		return nil
	})
	return out, err
}

// Threads returns every visible root with its replies, page by page.
func (s *Service) Threads(ctx context.Context, key string) ([]ThreadView, error) {
	var out []ThreadView
	err := s.run(ctx, key, func(_ *hostedSession, m *mediator.Mediator) error {
		seen := make(map[int]bool)
		var pages []int
		for _, record := range m.Records() {
			if !seen[record.Page] {
				seen[record.Page] = true
				pages = append(pages, record.Page)
			}
		}
		sort.Ints(pages)
		for _, page := range pages {
			for _, root := range m.ListForPage(page) {
				th, _ := m.Thread(root.ID)
				out = append(out, ThreadView{Root: toView(root), Replies: views(th.Replies)})
			}
		}
		return nil
	})
	return out, err
}

// Add stores new annotations. A *mediator.PushError comes back together
// with the accepted annotations when only the forward to the service
// failed.
func (s *Service) Add(ctx context.Context, key string, inputs []AnnotationInput) ([]AnnotationView, error) {
	candidates := make([]annotation.Record, 0, len(inputs))
	for i, input := range inputs {
		record, err := input.record()
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"index": i})
		}
		candidates = append(candidates, record)
	}

	var out []AnnotationView
	err := s.run(ctx, key, func(h *hostedSession, m *mediator.Mediator) error {
		accepted, err := m.Add(ctx, candidates)
		s.opts.Search.IndexRecords(search.FromAnnotations(h.info.Key, accepted))
		out = views(accepted)
		return err
	})
	return out, err
}

// Edit applies input to a stored annotation the session user owns.
func (s *Service) Edit(ctx context.Context, key, id string, input AnnotationInput) (AnnotationView, error) {
	var out AnnotationView
	err := s.run(ctx, key, func(h *hostedSession, m *mediator.Mediator) error {
		existing, ok := m.Get(id)
		if !ok {
			return mediator.ErrNotFound
		}
		record, err := input.apply(existing)
		if err != nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		editErr := m.OnLocalEdit(ctx, record)
		var pushErr *mediator.PushError
		if editErr != nil && !errors.As(editErr, &pushErr) {
			return editErr
		}
		stored, _ := m.Get(id)
		s.opts.Search.IndexRecords(search.FromAnnotations(h.info.Key, []annotation.Record{stored}))
		out = toView(stored)
		return editErr
	})
	return out, err
}

func (s *Service) Remove(ctx context.Context, key string, ids []string) ([]AnnotationView, error) {
	var out []AnnotationView
	err := s.run(ctx, key, func(h *hostedSession, m *mediator.Mediator) error {
		removed, err := m.Remove(ctx, ids)
		var pushErr *mediator.PushError
		if err != nil && !errors.As(err, &pushErr) {
			return err
		}
		removedIDs := make([]string, 0, len(removed))
		for _, record := range removed {
			removedIDs = append(removedIDs, record.ID)
		}
		s.opts.Search.DeleteRecords(h.info.Key, removedIDs)
		out = views(removed)
		return err
	})
	return out, err
}

// Upload replaces the remote feed with the session's current annotations
// and records the snapshot in history.
func (s *Service) Upload(ctx context.Context, key string) (SessionInfo, error) {
	err := s.run(ctx, key, func(h *hostedSession, m *mediator.Mediator) error {
		if err := m.Upload(ctx); err != nil {
			return err
		}
		if s.opts.History == nil {
			return nil
		}
		doc, err := m.Snapshot()
		if err != nil {
			return err
		}
		if _, err := s.opts.History.Record(h.info.Key, doc, m.UserName(), "Upload feed"); err != nil {
			s.logger.Warn("record upload history", zap.String("session", h.info.Key), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Session(ctx, key)
}

func (s *Service) Search(ctx context.Context, key string, q search.Query) (search.Response, error) {
	if _, ok := s.lookup(key); !ok {
		return search.Response{}, errSessionNotFound
	}
	q.SessionKey = key
	return s.opts.Search.Search(q), nil
}

// Export renders the session's threads. The report is built on the queue;
// rendering runs outside it.
func (s *Service) Export(ctx context.Context, key string, req export.Request) (*export.Result, error) {
	var src snapshotSource
	err := s.run(ctx, key, func(_ *hostedSession, m *mediator.Mediator) error {
		src = snapshot(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.opts.Export.Export(ctx, src, req)
}

func (s *Service) History(ctx context.Context, key string, limit int) ([]history.Commit, error) {
	if _, ok := s.lookup(key); !ok {
		return nil, errSessionNotFound
	}
	if s.opts.History == nil {
		return nil, errHistoryDisabled
	}
	return s.opts.History.History(key, limit)
}

// HistoryDiff compares a recorded feed with the session's current state.
func (s *Service) HistoryDiff(ctx context.Context, key, hash string) (history.Diff, error) {
	if s.opts.History == nil {
		return history.Diff{}, errHistoryDisabled
	}
	var current xfdf.Document
	err := s.run(ctx, key, func(_ *hostedSession, m *mediator.Mediator) error {
		doc, err := m.Snapshot()
		current = doc
		return err
	})
	if err != nil {
		return history.Diff{}, err
	}

	past, err := s.opts.History.FeedAt(key, hash)
	if err != nil {
		return history.Diff{}, err
	}
	from, err := xfdf.DecodeFeed(past)
	if err != nil {
		return history.Diff{}, fmt.Errorf("decode recorded feed: %w", err)
	}
	to, err := xfdf.DecodeFeed(current)
	if err != nil {
		return history.Diff{}, fmt.Errorf("decode current feed: %w", err)
	}
	return history.DiffFeeds(from, to), nil
}

func (s *Service) Journal(ctx context.Context, key string, onlyFailed bool, limit int) ([]journal.Entry, error) {
	if _, ok := s.lookup(key); !ok {
		return nil, errSessionNotFound
	}
	return s.opts.Journal.Recent(ctx, key, onlyFailed, limit)
}

// Ready runs every readiness check and reports the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, check := range s.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			failures[check.Name] = err
		}
	}
	return failures
}

func (s *Service) Checks() []Check {
	return s.opts.Checks
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.opts.Metrics
}

// snapshotSource is a copy of a mediator's read side, safe to use off the
// session queue.
type snapshotSource struct {
	records []annotation.Record
	threads map[string]annotation.Thread
}

func snapshot(m *mediator.Mediator) snapshotSource {
	records := m.Records()
	src := snapshotSource{records: records, threads: make(map[string]annotation.Thread, len(records))}
	for _, record := range records {
		if th, ok := m.Thread(record.ID); ok {
			src.threads[record.ID] = th
		}
	}
	return src
}

func (s snapshotSource) Records() []annotation.Record { return s.records }

func (s snapshotSource) Thread(rootID string) (annotation.Thread, bool) {
	th, ok := s.threads[rootID]
	return th, ok
}
