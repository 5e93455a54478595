package db

import (
	"context"
	"errors"

	"group-exchange-server/models"
)

// ErrSettlementConflict means the state a settlement was computed from has
// changed since it was read. Callers re-read and compute a new plan.
var ErrSettlementConflict = errors.New("settlement conflicts with current state")

// Settlement is the mutation set written by one settlement pass.
// Stores apply it all-or-nothing, and only if every student in Expected
// still holds that group and every Retired request is still pending.
type Settlement struct {
	Assignments map[string]int // Identity key -> new group
	Expected    map[string]int // Identity key -> group the plan was computed from
	Retired     []string       // Request IDs to remove
	Logs        []models.LogEntry
	Messages    []models.Message
}

// Store is the roster, request and history storage used by the service.
// Lookups of absent records return (nil, nil).
type Store interface {
	Ping(ctx context.Context) error

	Students(ctx context.Context) ([]models.Student, error)
	Student(ctx context.Context, id string) (*models.Student, error)
	AddStudent(ctx context.Context, student models.Student) error
	SetGroup(ctx context.Context, id string, group int) error

	PendingRequests(ctx context.Context) ([]models.MoveRequest, error)
	RequestByStudent(ctx context.Context, id string) (*models.MoveRequest, error)
	AddRequest(ctx context.Context, req models.MoveRequest) error
	RemoveRequest(ctx context.Context, requestID string) error

	AppendLog(ctx context.Context, entry models.LogEntry) error
	AppendMessage(ctx context.Context, msg models.Message) error
	Logs(ctx context.Context) ([]models.LogEntry, error)
	Messages(ctx context.Context) ([]models.Message, error)

	ApplySettlement(ctx context.Context, s Settlement) error
	Snapshot(ctx context.Context) (models.Snapshot, error)
}
