package db

import (
	"context"
	"fmt"
	"sync"

	"group-exchange-server/models"
)

// MemoryStore keeps all state in process memory. Reads return copies.
type MemoryStore struct {
	mu       sync.RWMutex
	students map[string]*models.Student
	order    []string // Student IDs in insertion order
	requests []models.MoveRequest
	logs     []models.LogEntry
	messages []models.Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{students: make(map[string]*models.Student)}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Students(ctx context.Context) ([]models.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.studentsLocked(), nil
}

func (m *MemoryStore) studentsLocked() []models.Student {
	out := make([]models.Student, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.students[id])
	}
	return out
}

func (m *MemoryStore) Student(ctx context.Context, id string) (*models.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) AddStudent(ctx context.Context, student models.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := student.ID()
	if _, ok := m.students[id]; ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateStudent, id)
	}
	m.students[id] = &student
	m.order = append(m.order, id)
	return nil
}

func (m *MemoryStore) SetGroup(ctx context.Context, id string, group int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownStudent, id)
	}
	s.Group = group
	return nil
}

func (m *MemoryStore) PendingRequests(ctx context.Context) ([]models.MoveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.MoveRequest{}, m.requests...), nil
}

func (m *MemoryStore) RequestByStudent(ctx context.Context, id string) (*models.MoveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.Student == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AddRequest(ctx context.Context, req models.MoveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Student == req.Student {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRequest, req.Student)
		}
	}
	m.requests = append(m.requests, req)
	return nil
}

func (m *MemoryStore) RemoveRequest(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeRequestsLocked(map[string]bool{requestID: true})
	return nil
}

func (m *MemoryStore) removeRequestsLocked(ids map[string]bool) {
	kept := m.requests[:0]
	for _, r := range m.requests {
		if !ids[r.ID] {
			kept = append(kept, r)
		}
	}
	m.requests = kept
}

func (m *MemoryStore) AppendLog(ctx context.Context, entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryStore) Logs(ctx context.Context) ([]models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LogEntry{}, m.logs...), nil
}

func (m *MemoryStore) Messages(ctx context.Context) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Message{}, m.messages...), nil
}

// ApplySettlement checks the settlement against current state before writing anything
func (m *MemoryStore) ApplySettlement(ctx context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range s.Assignments {
		if _, ok := m.students[id]; !ok {
			return fmt.Errorf("failed to apply settlement: %w: %s", models.ErrUnknownStudent, id)
		}
	}
	for id, group := range s.Expected {
		st, ok := m.students[id]
		if !ok {
			return fmt.Errorf("failed to apply settlement: %w: %s", models.ErrUnknownStudent, id)
		}
		if st.Group != group {
			return fmt.Errorf("%w: %s is in Group %d, expected %d", ErrSettlementConflict, id, st.Group, group)
		}
	}
	retired := make(map[string]bool, len(s.Retired))
	for _, id := range s.Retired {
		retired[id] = true
	}
	live := 0
	for _, r := range m.requests {
		if retired[r.ID] {
			live++
		}
	}
	if live != len(retired) {
		return fmt.Errorf("%w: retired request no longer pending", ErrSettlementConflict)
	}

	for id, group := range s.Assignments {
		m.students[id].Group = group
	}
	m.removeRequestsLocked(retired)
	m.logs = append(m.logs, s.Logs...)
	m.messages = append(m.messages, s.Messages...)
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.Snapshot{
		Students: m.studentsLocked(),
		Requests: append([]models.MoveRequest{}, m.requests...),
		Logs:     append([]models.LogEntry{}, m.logs...),
		Messages: append([]models.Message{}, m.messages...),
	}, nil
}
