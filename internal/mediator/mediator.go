// Package mediator sits between a viewer surface's annotation store and the
// remote annotation service. It hides replies from page listings, keeps
// comment threads, enforces the session permission and forwards every local
// change to the service as an action batch.
//
// A Mediator is not safe for concurrent use. Callers serialise access, in
// practice by driving it from one callback.Queue per session.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"annosync/internal/annotation"
	"annosync/internal/bootstrap"
	"annosync/internal/journal"
	"annosync/internal/metrics"
	"annosync/internal/rbac"
	"annosync/internal/thread"
	"annosync/internal/util"
	"annosync/internal/xfdf"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("annotation not found")
)

// PushError reports a change that was applied locally but could not be
// forwarded to the service.
type PushError struct {
	Op  string
	Err error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Op, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// RemovePolicy decides what happens to the replies of a removed annotation.
type RemovePolicy int

const (
	// CascadeReplies removes the whole subtree locally and remotely.
	CascadeReplies RemovePolicy = iota
	// OrphanReplies leaves replies in place, unreachable from any thread.
	OrphanReplies
	// ReparentReplies moves replies to the removed annotation's parent, or
	// makes them roots.
	ReparentReplies
)

func (p RemovePolicy) String() string {
	switch p {
	case CascadeReplies:
		return "cascade"
	case OrphanReplies:
		return "orphan"
	case ReparentReplies:
		return "reparent"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseRemovePolicy accepts the names printed by String.
func ParseRemovePolicy(value string) (RemovePolicy, error) {
	switch value {
	case "", "cascade":
		return CascadeReplies, nil
	case "orphan":
		return OrphanReplies, nil
	case "reparent":
		return ReparentReplies, nil
	default:
		return 0, fmt.Errorf("unknown remove policy %q", value)
	}
}

// Syncer is the part of the sync client the mediator forwards changes to.
type Syncer interface {
	PushActions(ctx context.Context, feedURL string, batch xfdf.Document) error
	UploadFeed(ctx context.Context, feedURL string, feed xfdf.Document) error
}

type Config struct {
	FeedURL    string
	SessionKey string
	UserName   string
	Permission annotation.Permission
	Policy     RemovePolicy
	// PageCount bounds candidate pages; zero disables the check.
	PageCount int
}

type Mediator struct {
	cfg     Config
	surface Surface
	syncer  Syncer
	journal journal.Journal
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	children map[string][]annotation.Record
	// replyOf maps every known reply to its parent, including replies
	// orphaned by a removal.
	replyOf map[string]string
}

type Option func(*Mediator)

func WithJournal(j journal.Journal) Option {
	return func(m *Mediator) { m.journal = j }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Mediator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mediator) { m.metrics = mt }
}

func withClock(now func() time.Time) Option {
	return func(m *Mediator) { m.now = now }
}

func New(cfg Config, surface Surface, syncer Syncer, opts ...Option) *Mediator {
	m := &Mediator{
		cfg:      cfg,
		surface:  surface,
		syncer:   syncer,
		logger:   zap.NewNop(),
		now:      time.Now,
		children: make(map[string][]annotation.Record),
		replyOf:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("session", cfg.SessionKey))
	return m
}

// FromSession builds a mediator for a bootstrapped session and loads its
// feed. A disabled session is opened read-only.
func FromSession(session *bootstrap.Session, policy RemovePolicy, surface Surface, syncer Syncer, opts ...Option) *Mediator {
	permission := session.Metadata.Permission
	if !session.Metadata.Enabled {
		permission = annotation.PermissionRead
	}
	m := New(Config{
		FeedURL:    session.Metadata.FeedURL,
		SessionKey: session.Key,
		UserName:   session.Metadata.UserName,
		Permission: permission,
		Policy:     policy,
		PageCount:  session.PageCount,
	}, surface, syncer, opts...)
	m.Load(session.Decoded)
	return m
}

// Load replaces the thread index with one built from feed and inserts the
// feed's records into the surface in document order.
func (m *Mediator) Load(feed xfdf.Feed) {
	records := make([]annotation.Record, 0, len(feed.Order))
	for _, id := range feed.Order {
		if record, ok := feed.Records[id]; ok {
			records = append(records, record)
		}
	}
	m.surface.Insert(records)

	m.children = thread.Index(feed.ChildToParent, feed.Records)
	m.replyOf = make(map[string]string)
	for parent, replies := range m.children {
		for _, reply := range replies {
			m.replyOf[reply.ID] = parent
		}
	}
	for _, record := range records {
		if _, ok := m.children[record.ID]; !ok {
			m.children[record.ID] = nil
		}
	}
}

func (m *Mediator) Permission() annotation.Permission { return m.cfg.Permission }
func (m *Mediator) UserName() string                  { return m.cfg.UserName }
func (m *Mediator) Policy() RemovePolicy              { return m.cfg.Policy }

// ListForPage returns the surface's annotations on page without replies,
// each with Editable recomputed for the session.
func (m *Mediator) ListForPage(page int) []annotation.Record {
	native := m.surface.List(page)
	out := make([]annotation.Record, 0, len(native))
	for _, record := range native {
		if _, isReply := m.replyOf[record.ID]; isReply {
			continue
		}
		out = append(out, m.view(record))
	}
	return out
}

// Get returns one stored annotation with Editable set.
func (m *Mediator) Get(id string) (annotation.Record, bool) {
	record, ok := m.surface.Get(id)
	if !ok {
		return annotation.Record{}, false
	}
	return m.view(record), true
}

// Thread returns the replies of rootID as synthetic views.
func (m *Mediator) Thread(rootID string) (annotation.Thread, bool) {
	replies, ok := m.children[rootID]
	if !ok {
		return annotation.Thread{}, false
	}
	out := annotation.Thread{RootID: rootID, Replies: make([]annotation.Record, 0, len(replies))}
	for _, reply := range replies {
		out.Replies = append(out.Replies, m.view(reply).AsSynthetic())
	}
	return out, true
}

// Records returns every stored annotation in surface order.
func (m *Mediator) Records() []annotation.Record {
	all := m.surface.All()
	for i := range all {
		all[i] = m.view(all[i])
	}
	return all
}

// Snapshot encodes every stored annotation as a complete feed document.
func (m *Mediator) Snapshot() (xfdf.Document, error) {
	fragments, err := xfdf.EncodeAll(m.surface.All())
	if err != nil {
		return nil, err
	}
	return xfdf.Wrap(fragments...), nil
}

// Add accepts new annotations from the surface. Empty notes, synthetic
// reply views, duplicates and candidates outside the document are dropped
// first, so a call with no survivors succeeds under any permission.
// Survivors are stored and pushed as one "add" batch; a failed push is
// returned alongside the accepted records, which stay stored.
func (m *Mediator) Add(ctx context.Context, candidates []annotation.Record) ([]annotation.Record, error) {
	accepted := make([]annotation.Record, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		if candidate.Synthetic() {
			continue
		}
		if candidate.Kind == annotation.KindNote && candidate.Contents == "" {
			continue
		}
		if m.cfg.PageCount > 0 && candidate.Page >= m.cfg.PageCount {
			m.logger.Info("candidate outside document dropped", zap.String("annotation", candidate.ID), zap.Int("page", candidate.Page))
			continue
		}
		if candidate.ID == "" {
			candidate.ID = util.NewID("")
		}
		if _, exists := m.surface.Get(candidate.ID); exists || seen[candidate.ID] {
			continue
		}
		if candidate.Author == "" {
			candidate.Author = m.cfg.UserName
		}
		if candidate.CreatedAt.IsZero() {
			candidate.CreatedAt = m.now().UTC()
		}
		candidate.CreatedAt = candidate.CreatedAt.Truncate(time.Second)
		candidate.ModifiedAt = candidate.ModifiedAt.Truncate(time.Second)
		candidate.Editable = false
		seen[candidate.ID] = true
		accepted = append(accepted, candidate)
	}
	if len(accepted) == 0 {
		return accepted, nil
	}
	if !rbac.Can(m.cfg.Permission, rbac.ActionComment) {
		m.metrics.MediatorOp(journal.OpAdd, ErrPermissionDenied)
		return nil, ErrPermissionDenied
	}
	fragments, err := xfdf.EncodeAll(accepted)
	if err != nil {
		m.metrics.MediatorOp(journal.OpAdd, err)
		return nil, err
	}

	m.surface.Insert(accepted)
	for _, record := range accepted {
		m.link(record)
	}

	err = m.push(ctx, journal.OpAdd, ids(accepted), xfdf.BuildActionBatch(fragments, nil, nil))
	views := make([]annotation.Record, 0, len(accepted))
	for _, record := range accepted {
		views = append(views, m.view(record))
	}
	return views, err
}

// Remove deletes targets the session user owns. Replies are handled by the
// configured RemovePolicy; replies the user cannot edit are never deleted
// or moved and are left orphaned instead. Unknown ids are skipped.
func (m *Mediator) Remove(ctx context.Context, targets []string) ([]annotation.Record, error) {
	stored := make([]annotation.Record, 0, len(targets))
	for _, id := range targets {
		record, ok := m.surface.Get(id)
		if !ok {
			continue
		}
		if !rbac.Editable(record, m.cfg.UserName, m.cfg.Permission) {
			m.metrics.MediatorOp(journal.OpDelete, ErrPermissionDenied)
			return nil, ErrPermissionDenied
		}
		stored = append(stored, record)
	}
	if len(stored) == 0 {
		return []annotation.Record{}, nil
	}

	deleting := make([]string, 0, len(stored))
	queued := make(map[string]bool)
	var queue func(id string)
	queue = func(id string) {
		if queued[id] {
			return
		}
		queued[id] = true
		deleting = append(deleting, id)
		if m.cfg.Policy == CascadeReplies {
			for _, reply := range m.children[id] {
				if !m.editable(reply.ID) {
					m.logger.Info("reply of another author left orphaned", zap.String("annotation", reply.ID), zap.String("parent", id))
					continue
				}
				queue(reply.ID)
			}
		}
	}
	for _, record := range stored {
		queue(record.ID)
	}

	var modifying []xfdf.Fragment
	if m.cfg.Policy == ReparentReplies {
		for _, id := range deleting {
			moved, err := m.reparent(id, queued)
			if err != nil {
				m.metrics.MediatorOp(journal.OpDelete, err)
				return nil, err
			}
			modifying = append(modifying, moved...)
		}
	}

	removed := m.surface.Delete(deleting)
	for _, id := range deleting {
		m.unlink(id)
	}

	err := m.push(ctx, journal.OpDelete, deleting, xfdf.BuildActionBatch(nil, modifying, deleting))
	return removed, err
}

// OnLocalEdit stores an edited annotation and pushes it as one "modify"
// action.
func (m *Mediator) OnLocalEdit(ctx context.Context, record annotation.Record) error {
	existing, ok := m.surface.Get(record.ID)
	if !ok {
		return ErrNotFound
	}
	if !rbac.Editable(existing, m.cfg.UserName, m.cfg.Permission) {
		m.metrics.MediatorOp(journal.OpModify, ErrPermissionDenied)
		return ErrPermissionDenied
	}
	// author and thread position belong to the stored record
	record.Author = existing.Author
	record.ReplyTo = existing.ReplyTo
	if record.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}
	// the feed keeps whole seconds; the stored copy must match it
	record.CreatedAt = record.CreatedAt.Truncate(time.Second)
	record.ModifiedAt = m.now().UTC().Truncate(time.Second)
	record.Editable = false

	fragment, err := xfdf.Encode(record)
	if err != nil {
		m.metrics.MediatorOp(journal.OpModify, err)
		return err
	}
	m.surface.Update(record)
	m.refresh(record)

	return m.push(ctx, journal.OpModify, []string{record.ID}, xfdf.BuildActionBatch(nil, []xfdf.Fragment{fragment}, nil))
}

// Upload replaces the remote feed with Snapshot.
func (m *Mediator) Upload(ctx context.Context) error {
	if !rbac.Can(m.cfg.Permission, rbac.ActionEdit) {
		return ErrPermissionDenied
	}
	doc, err := m.Snapshot()
	if err != nil {
		return err
	}
	all := m.surface.All()
	err = m.syncer.UploadFeed(ctx, m.cfg.FeedURL, doc)
	if err != nil {
		err = &PushError{Op: journal.OpUpload, Err: err}
		m.logger.Warn("feed upload failed", zap.Error(err))
	}
	m.record(ctx, journal.OpUpload, ids(all), err)
	m.metrics.MediatorOp(journal.OpUpload, err)
	return err
}

func (m *Mediator) push(ctx context.Context, op string, annotationIDs []string, batch xfdf.Document) error {
	err := m.syncer.PushActions(ctx, m.cfg.FeedURL, batch)
	if err != nil {
		err = &PushError{Op: op, Err: err}
		m.logger.Warn("sync push failed, local state kept", zap.String("op", op), zap.Strings("ids", annotationIDs), zap.Error(err))
	} else {
		m.logger.Debug("sync push", zap.String("op", op), zap.Strings("ids", annotationIDs))
	}
	m.metrics.MediatorOp(op, err)
	m.record(ctx, op, annotationIDs, err)
	return err
}

func (m *Mediator) record(ctx context.Context, op string, annotationIDs []string, err error) {
	if m.journal == nil {
		return
	}
	entry := journal.NewEntry(m.cfg.SessionKey, op, m.cfg.UserName, annotationIDs, err)
	if jerr := m.journal.Record(ctx, entry); jerr != nil {
		m.logger.Warn("journal record failed", zap.String("op", op), zap.Error(jerr))
	}
}

func (m *Mediator) view(record annotation.Record) annotation.Record {
	record.Editable = rbac.Editable(record, m.cfg.UserName, m.cfg.Permission)
	return record
}

// link gives record a thread entry and appends it to its parent's thread
// when the parent is known.
func (m *Mediator) link(record annotation.Record) {
	if _, ok := m.children[record.ID]; !ok {
		m.children[record.ID] = nil
	}
	if record.ReplyTo == "" {
		return
	}
	if _, ok := m.children[record.ReplyTo]; !ok {
		return
	}
	m.children[record.ReplyTo] = append(m.children[record.ReplyTo], record)
	m.replyOf[record.ID] = record.ReplyTo
}

// unlink drops a removed record from its parent's thread and empties its
// own entry. Replies keep their replyOf link; under OrphanReplies that is
// what keeps them out of page listings.
func (m *Mediator) unlink(id string) {
	if parent, ok := m.replyOf[id]; ok {
		if replies, exists := m.children[parent]; exists {
			m.children[parent] = without(replies, id)
		}
		delete(m.replyOf, id)
	}
	if m.cfg.Policy == OrphanReplies {
		m.children[id] = []annotation.Record{}
		return
	}
	delete(m.children, id)
}

// reparent moves the replies of id that survive the removal to id's parent
// and returns their re-encoded fragments.
func (m *Mediator) reparent(id string, removing map[string]bool) ([]xfdf.Fragment, error) {
	grandparent := m.replyOf[id]
	for removing[grandparent] {
		grandparent = m.replyOf[grandparent]
	}

	var fragments []xfdf.Fragment
	for _, reply := range m.children[id] {
		if removing[reply.ID] {
			continue
		}
		stored, ok := m.surface.Get(reply.ID)
		if !ok {
			continue
		}
		if !rbac.Editable(stored, m.cfg.UserName, m.cfg.Permission) {
			m.logger.Info("reply of another author left orphaned", zap.String("annotation", stored.ID), zap.String("parent", id))
			continue
		}
		stored.ReplyTo = grandparent
		fragment, err := xfdf.Encode(stored)
		if err != nil {
			return nil, err
		}
		m.surface.Update(stored)
		delete(m.replyOf, stored.ID)
		if grandparent != "" {
			m.children[grandparent] = append(m.children[grandparent], stored)
			m.replyOf[stored.ID] = grandparent
		}
		fragments = append(fragments, fragment)
	}
	m.children[id] = nil
	if grandparent != "" {
		thread.Sort(m.children[grandparent])
	}
	return fragments, nil
}

func (m *Mediator) editable(id string) bool {
	record, ok := m.surface.Get(id)
	return ok && rbac.Editable(record, m.cfg.UserName, m.cfg.Permission)
}

// refresh replaces the copy of record held in its parent's thread.
func (m *Mediator) refresh(record annotation.Record) {
	parent, ok := m.replyOf[record.ID]
	if !ok {
		return
	}
	replies := m.children[parent]
	for i := range replies {
		if replies[i].ID == record.ID {
			replies[i] = record
		}
	}
}

func without(records []annotation.Record, id string) []annotation.Record {
	out := records[:0]
	for _, record := range records {
		if record.ID != id {
			out = append(out, record)
		}
	}
	return out
}

func ids(records []annotation.Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.ID)
	}
	return out
}
