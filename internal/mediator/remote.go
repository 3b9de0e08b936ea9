package mediator

import (
	"fmt"

	"go.uber.org/zap"

	"annosync/internal/annotation"
)

type RemoteAction string

const (
	RemoteCreate RemoteAction = "create"
	RemoteUpdate RemoteAction = "update"
	RemoteDelete RemoteAction = "delete"
)

// RemoteEvent is a change made by another session. Record is unset for
// deletes.
type RemoteEvent struct {
	Action RemoteAction
	ID     string
	Record annotation.Record
}

// ApplyRemote folds a remote change into local state. It skips permission
// checks and never talks to the service. A remote delete removes only the
// named record; the originating session sends deletes for anything else it
// removed.
func (m *Mediator) ApplyRemote(event RemoteEvent) error {
	var err error
	switch event.Action {
	case RemoteCreate, RemoteUpdate:
		err = m.applyUpsert(event)
	case RemoteDelete:
		id := event.ID
		if id == "" {
			id = event.Record.ID
		}
		if removed := m.surface.Delete([]string{id}); len(removed) > 0 {
			m.unlinkRemote(id)
		}
	default:
		err = fmt.Errorf("unknown remote action %q", event.Action)
	}
	m.metrics.MediatorOp("remote_"+string(event.Action), err)
	if err != nil {
		m.logger.Warn("remote event rejected", zap.String("action", string(event.Action)), zap.String("annotation", event.ID), zap.Error(err))
	}
	return err
}

func (m *Mediator) applyUpsert(event RemoteEvent) error {
	record := event.Record
	if record.ID == "" {
		record.ID = event.ID
	}
	if record.ID == "" {
		return fmt.Errorf("remote %s without annotation id", event.Action)
	}
	if event.ID != "" && record.ID != event.ID {
		return fmt.Errorf("remote %s id %q does not match fragment %q", event.Action, event.ID, record.ID)
	}
	record.Editable = false

	existing, ok := m.surface.Get(record.ID)
	if !ok {
		m.surface.Insert([]annotation.Record{record})
		m.link(record)
		return nil
	}

	m.surface.Update(record)
	if existing.ReplyTo != record.ReplyTo {
		if parent, isReply := m.replyOf[record.ID]; isReply {
			if replies, exists := m.children[parent]; exists {
				m.children[parent] = without(replies, record.ID)
			}
			delete(m.replyOf, record.ID)
		}
		m.link(record)
		return nil
	}
	m.refresh(record)
	return nil
}

// unlinkRemote drops id from thread state. Its replies become roots until
// their own events arrive.
func (m *Mediator) unlinkRemote(id string) {
	if parent, ok := m.replyOf[id]; ok {
		if replies, exists := m.children[parent]; exists {
			m.children[parent] = without(replies, id)
		}
		delete(m.replyOf, id)
	}
	for _, reply := range m.children[id] {
		delete(m.replyOf, reply.ID)
	}
	delete(m.children, id)
}
