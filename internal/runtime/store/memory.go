package store

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// Memory is an in-process MessageStore. Save holds one mutex, so it is
// atomic by construction. It is not shared between processes.
type Memory struct {
	mu       sync.RWMutex
	commands map[string]*Command
	events   map[string]*Event
	children map[string][]string
	versions map[string]int64
}

var _ MessageStore = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		commands: make(map[string]*Command),
		events:   make(map[string]*Event),
		children: make(map[string][]string),
		versions: make(map[string]int64),
	}
}

func (m *Memory) Exists(ctx context.Context, id string) (Status, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[id]
	if !ok {
		return "", false, nil
	}
	return cmd.Status, true, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, errspkg.ErrMessageNotFound)
	}
	return cloneCommand(cmd), nil
}

func (m *Memory) Save(ctx context.Context, cmd *Command, children []*Event) error {
	if cmd == nil || cmd.ID == "" {
		return errspkg.ErrPayloadRequired
	}
	for _, evt := range children {
		if evt.AggregateID == "" {
			return fmt.Errorf("event %s: %w", evt.ID, errspkg.ErrAggregateRequired)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commands[cmd.ID]; exists {
		return &errspkg.DuplicateMessageError{MessageID: cmd.ID}
	}
	for _, evt := range children {
		if _, exists := m.events[evt.ID]; exists {
			return &errspkg.DuplicateMessageError{MessageID: evt.ID}
		}
	}

	ids := make([]string, 0, len(children))
	for _, evt := range children {
		m.versions[evt.AggregateID]++
		evt.Version = m.versions[evt.AggregateID]
		evt.ParentID = cmd.ID
		m.events[evt.ID] = cloneEvent(evt)
		ids = append(ids, evt.ID)
	}
	m.commands[cmd.ID] = cloneCommand(cmd)
	m.children[cmd.ID] = ids
	return nil
}

func (m *Memory) Children(ctx context.Context, id string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.commands[id]; !ok {
		return nil, fmt.Errorf("command %s: %w", id, errspkg.ErrMessageNotFound)
	}
	out := make([]*Event, 0, len(m.children[id]))
	for _, eventID := range m.children[id] {
		out = append(out, cloneEvent(m.events[eventID]))
	}
	return out, nil
}

func (m *Memory) Parent(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var parentID string
	if cmd, ok := m.commands[id]; ok {
		parentID = cmd.ParentID
	} else if evt, ok := m.events[id]; ok {
		parentID = evt.ParentID
	}
	if parentID != "" {
		if cmd, ok := m.commands[parentID]; ok {
			msg := cloneCommand(cmd).Message
			return &msg, nil
		}
		if evt, ok := m.events[parentID]; ok {
			msg := cloneEvent(evt).Message
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("parent of %s: %w", id, errspkg.ErrMessageNotFound)
}

func (m *Memory) MarkEventsPublished(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return fmt.Errorf("command %s: %w", id, errspkg.ErrMessageNotFound)
	}
	cmd.EventsPublished = true
	return nil
}

func cloneCommand(cmd *Command) *Command {
	c := *cmd
	c.Payload = append([]byte(nil), cmd.Payload...)
	if cmd.Reply != nil {
		r := *cmd.Reply
		r.Payload = append([]byte(nil), cmd.Reply.Payload...)
		c.Reply = &r
	}
	return &c
}

func cloneEvent(evt *Event) *Event {
	e := *evt
	e.Payload = append([]byte(nil), evt.Payload...)
	return &e
}
