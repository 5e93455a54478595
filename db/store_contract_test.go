package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-exchange-server/models"
)

// runStoreContract checks behaviour every Store implementation must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("students keep insertion order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Sara", Gender: "F", Group: 2}))
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Amina", LastName: "Alaoui", Gender: "F", Group: 1}))

		students, err := s.Students(ctx)
		require.NoError(t, err)
		require.Len(t, students, 2)
		assert.Equal(t, "Sara", students[0].ID())
		assert.Equal(t, "Amina Alaoui", students[1].ID())

		got, err := s.Student(ctx, "Amina Alaoui")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 1, got.Group)
		assert.Equal(t, models.Gender("F"), got.Gender)
	})

	t.Run("missing student is nil", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Student(ctx, "Nobody")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("duplicate student rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Omar", Gender: "M", Group: 2}))
		err := s.AddStudent(ctx, models.Student{FirstName: "Omar", Gender: "M", Group: 4})
		assert.True(t, errors.Is(err, models.ErrDuplicateStudent))

		got, err := s.Student(ctx, "Omar")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Group)
	})

	t.Run("set group", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Omar", Gender: "M", Group: 2}))
		require.NoError(t, s.SetGroup(ctx, "Omar", 5))
		got, err := s.Student(ctx, "Omar")
		require.NoError(t, err)
		assert.Equal(t, 5, got.Group)

		assert.True(t, errors.Is(s.SetGroup(ctx, "Nobody", 1), models.ErrUnknownStudent))
	})

	t.Run("requests keep order and one per student", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r1", Student: "Amina", TargetGroup: 2, CreatedAt: created}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r2", Student: "Sara", TargetGroup: 1, CreatedAt: created}))
		err := s.AddRequest(ctx, models.MoveRequest{ID: "r3", Student: "Amina", TargetGroup: 3, CreatedAt: created})
		assert.True(t, errors.Is(err, models.ErrDuplicateRequest))

		pending, err := s.PendingRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "r1", pending[0].ID)
		assert.Equal(t, "r2", pending[1].ID)
		assert.Equal(t, 2, pending[0].TargetGroup)
		assert.True(t, created.Equal(pending[0].CreatedAt))

		req, err := s.RequestByStudent(ctx, "Sara")
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.Equal(t, "r2", req.ID)

		require.NoError(t, s.RemoveRequest(ctx, "r1"))
		req, err = s.RequestByStudent(ctx, "Amina")
		require.NoError(t, err)
		assert.Nil(t, req)
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r4", Student: "Amina", TargetGroup: 3, CreatedAt: created}))

		pending, err = s.PendingRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "r2", pending[0].ID)
		assert.Equal(t, "r4", pending[1].ID)
	})

	t.Run("history is append only", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendLog(ctx, models.LogEntry{Date: "2026-03-01 09:30:00", Action: models.ActionAddStudent, Student1: "Amina"}))
		require.NoError(t, s.AppendLog(ctx, models.LogEntry{Date: "2026-03-01 09:31:00", Action: models.ActionSubmitRequest, Student1: "Amina"}))
		require.NoError(t, s.AppendMessage(ctx, models.Message{Date: "2026-03-01 09:31:00", Message: "hello"}))

		logs, err := s.Logs(ctx)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, models.ActionSubmitRequest, logs[1].Action)

		msgs, err := s.Messages(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0].Message)
	})

	t.Run("apply settlement", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Amina", Gender: "F", Group: 1}))
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Sara", Gender: "F", Group: 2}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r1", Student: "Amina", TargetGroup: 2, CreatedAt: created}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r2", Student: "Sara", TargetGroup: 1, CreatedAt: created}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r3", Student: "Hamza", TargetGroup: 5, CreatedAt: created}))

		err := s.ApplySettlement(ctx, Settlement{
			Assignments: map[string]int{"Amina": 2, "Sara": 1},
			Retired:     []string{"r1", "r2"},
			Logs:        []models.LogEntry{{Date: "2026-03-01 10:00:00", Action: models.ActionExchangeSettled, Student1: "Amina", Student2: "Sara"}},
			Messages:    []models.Message{{Date: "2026-03-01 10:00:00", Message: "Amina ↔ Sara"}},
		})
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Students, 2)
		assert.Equal(t, 2, snap.Students[0].Group)
		assert.Equal(t, 1, snap.Students[1].Group)
		require.Len(t, snap.Requests, 1)
		assert.Equal(t, "r3", snap.Requests[0].ID)
		require.Len(t, snap.Logs, 1)
		assert.Equal(t, "Sara", snap.Logs[0].Student2)
		require.Len(t, snap.Messages, 1)

		req, err := s.RequestByStudent(ctx, "Amina")
		require.NoError(t, err)
		assert.Nil(t, req)
	})

	t.Run("settlement with unknown student writes nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Amina", Gender: "F", Group: 1}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r1", Student: "Amina", TargetGroup: 2, CreatedAt: created}))

		err := s.ApplySettlement(ctx, Settlement{
			Assignments: map[string]int{"Amina": 2, "Ghost": 1},
			Retired:     []string{"r1"},
		})
		assert.True(t, errors.Is(err, models.ErrUnknownStudent))

		got, err := s.Student(ctx, "Amina")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Group)
		pending, err := s.PendingRequests(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("stale settlement writes nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Amina", Gender: "F", Group: 2}))
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Lina", Gender: "F", Group: 3}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r1", Student: "Amina", TargetGroup: 1, CreatedAt: created}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r2", Student: "Lina", TargetGroup: 1, CreatedAt: created}))

		// Computed while Amina was still in group 1.
		err := s.ApplySettlement(ctx, Settlement{
			Assignments: map[string]int{"Amina": 3, "Lina": 1},
			Expected:    map[string]int{"Amina": 1, "Lina": 3},
			Retired:     []string{"r1", "r2"},
			Logs:        []models.LogEntry{{Action: models.ActionExchangeSettled, Student1: "Amina", Student2: "Lina"}},
		})
		assert.True(t, errors.Is(err, ErrSettlementConflict), err)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Students[0].Group)
		assert.Equal(t, 3, snap.Students[1].Group)
		assert.Len(t, snap.Requests, 2)
		assert.Empty(t, snap.Logs)
	})

	t.Run("settlement of a removed request writes nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Amina", Gender: "F", Group: 1}))
		require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Sara", Gender: "F", Group: 2}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r1", Student: "Amina", TargetGroup: 2, CreatedAt: created}))
		require.NoError(t, s.AddRequest(ctx, models.MoveRequest{ID: "r2", Student: "Sara", TargetGroup: 1, CreatedAt: created}))
		require.NoError(t, s.RemoveRequest(ctx, "r2"))

		err := s.ApplySettlement(ctx, Settlement{
			Assignments: map[string]int{"Amina": 2, "Sara": 1},
			Expected:    map[string]int{"Amina": 1, "Sara": 2},
			Retired:     []string{"r1", "r2"},
		})
		assert.True(t, errors.Is(err, ErrSettlementConflict), err)

		got, err := s.Student(ctx, "Amina")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Group)
		pending, err := s.PendingRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "r1", pending[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.AddStudent(ctx, models.Student{FirstName: "Amina", Gender: "F", Group: 1}))

	got, err := s.Student(ctx, "Amina")
	require.NoError(t, err)
	got.Group = 9

	students, err := s.Students(ctx)
	require.NoError(t, err)
	students[0].Group = 9

	again, err := s.Student(ctx, "Amina")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Group)
}
