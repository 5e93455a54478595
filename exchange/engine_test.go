package exchange

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-exchange-server/models"
)

func student(name string, g models.Gender, group int) models.Student {
	return models.Student{FirstName: name, Gender: g, Group: group}
}

func request(name string, target int) models.MoveRequest {
	return models.MoveRequest{ID: "req-" + name, Student: name, TargetGroup: target}
}

// apply mimics what a store does with a plan
func apply(roster []models.Student, pending []models.MoveRequest, plan Plan) ([]models.Student, []models.MoveRequest) {
	out := make([]models.Student, len(roster))
	for i, s := range roster {
		if g, ok := plan.Assignments[s.ID()]; ok {
			s.Group = g
		}
		out[i] = s
	}
	gone := make(map[string]bool)
	for _, id := range plan.Retired {
		gone[id] = true
	}
	var left []models.MoveRequest
	for _, r := range pending {
		if !gone[r.ID] {
			left = append(left, r)
		}
	}
	return out, left
}

func groupOf(roster []models.Student, name string) int {
	for _, s := range roster {
		if s.ID() == name {
			return s.Group
		}
	}
	return 0
}

func TestSettle_SameGenderSwap(t *testing.T) {
	roster := []models.Student{
		student("Amina", "F", 1),
		student("Sara", "F", 2),
		student("Youssef", "M", 1),
		student("Omar", "M", 2),
	}
	pending := []models.MoveRequest{request("Amina", 2), request("Sara", 1)}

	plan := Settle(roster, pending, Options{})

	require.Len(t, plan.Pairs, 1)
	assert.Equal(t, Pair{
		Student:          "Amina",
		Partner:          "Sara",
		StudentRequestID: "req-Amina",
		PartnerRequestID: "req-Sara",
		StudentFrom:      1,
		PartnerFrom:      2,
	}, plan.Pairs[0])
	assert.Equal(t, map[string]int{"Amina": 2, "Sara": 1}, plan.Assignments)
	assert.ElementsMatch(t, []string{"req-Amina", "req-Sara"}, plan.Retired)

	after, left := apply(roster, pending, plan)
	assert.Equal(t, 2, groupOf(after, "Amina"))
	assert.Equal(t, 1, groupOf(after, "Sara"))
	assert.Equal(t, 1, groupOf(after, "Youssef"))
	assert.Equal(t, 2, groupOf(after, "Omar"))
	assert.Empty(t, left)
}

func TestSettle_NoReciprocal(t *testing.T) {
	roster := []models.Student{student("Hamza", "M", 3)}
	pending := []models.MoveRequest{request("Hamza", 5)}

	plan := Settle(roster, pending, Options{})

	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Assignments)
	assert.Empty(t, plan.Retired)
	assert.Empty(t, plan.Skipped)
}

func TestSettle_GenderMismatch(t *testing.T) {
	roster := []models.Student{student("Youssef", "M", 1), student("Fatima", "F", 2)}
	pending := []models.MoveRequest{request("Youssef", 2), request("Fatima", 1)}

	plan := Settle(roster, pending, Options{})

	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Retired)
}

func TestSettle_FirstCandidateWins(t *testing.T) {
	roster := []models.Student{
		student("Amina", "F", 1),
		student("Sara", "F", 2),
		student("Lina", "F", 3),
	}
	// Sara and Lina both want group 1; Sara was stored first.
	pending := []models.MoveRequest{request("Amina", 2), request("Sara", 1), request("Lina", 1)}

	plan := Settle(roster, pending, Options{})

	require.Len(t, plan.Pairs, 1)
	assert.Equal(t, "Sara", plan.Pairs[0].Partner)
	_, left := apply(roster, pending, plan)
	require.Len(t, left, 1)
	assert.Equal(t, "Lina", left[0].Student)
}

func TestSettle_OneSidedReciprocity(t *testing.T) {
	roster := []models.Student{student("Amina", "F", 1), student("Sara", "F", 2)}
	// Amina wants group 3, but Sara wants Amina's group 1.
	pending := []models.MoveRequest{request("Amina", 3), request("Sara", 1)}

	plan := Settle(roster, pending, Options{})
	require.Len(t, plan.Pairs, 1)
	assert.Equal(t, map[string]int{"Amina": 2, "Sara": 1}, plan.Assignments)

	mutual := Settle(roster, pending, Options{RequireMutual: true})
	assert.True(t, mutual.Empty())
}

func TestSettle_RequireMutualStillMatchesTwoSidedPairs(t *testing.T) {
	roster := []models.Student{student("Amina", "F", 1), student("Sara", "F", 2)}
	pending := []models.MoveRequest{request("Amina", 2), request("Sara", 1)}

	plan := Settle(roster, pending, Options{RequireMutual: true})
	assert.Len(t, plan.Pairs, 1)
}

func TestSettle_RetiredRequestsAreNotReused(t *testing.T) {
	roster := []models.Student{
		student("A", "F", 1),
		student("B", "F", 2),
		student("C", "F", 1),
	}
	// B wants group 1. A matches B first; C must not reuse B afterwards.
	pending := []models.MoveRequest{request("A", 2), request("B", 1), request("C", 2)}

	plan := Settle(roster, pending, Options{})

	require.Len(t, plan.Pairs, 1)
	assert.Equal(t, "A", plan.Pairs[0].Student)
	assert.Equal(t, "B", plan.Pairs[0].Partner)
	assert.NotContains(t, plan.Assignments, "C")
}

func TestSettle_UnknownRequesterIsSkipped(t *testing.T) {
	roster := []models.Student{student("Amina", "F", 1), student("Sara", "F", 2)}
	pending := []models.MoveRequest{
		request("Ghost", 1),
		request("Amina", 2),
		request("Sara", 1),
	}

	plan := Settle(roster, pending, Options{})

	assert.Equal(t, []string{"req-Ghost"}, plan.Skipped)
	require.Len(t, plan.Pairs, 1)
	assert.Equal(t, "Amina", plan.Pairs[0].Student)
	assert.NotContains(t, plan.Retired, "req-Ghost")
}

func TestSettle_DoesNotMutateInputs(t *testing.T) {
	roster := []models.Student{student("Amina", "F", 1), student("Sara", "F", 2)}
	pending := []models.MoveRequest{request("Amina", 2), request("Sara", 1)}
	rosterCopy := append([]models.Student(nil), roster...)
	pendingCopy := append([]models.MoveRequest(nil), pending...)

	Settle(roster, pending, Options{})

	assert.Equal(t, rosterCopy, roster)
	assert.Equal(t, pendingCopy, pending)
}

func TestSettle_Idempotent(t *testing.T) {
	roster := []models.Student{
		student("Amina", "F", 1),
		student("Sara", "F", 2),
		student("Hamza", "M", 3),
	}
	pending := []models.MoveRequest{request("Amina", 2), request("Hamza", 5), request("Sara", 1)}

	first := Settle(roster, pending, Options{})
	require.Len(t, first.Pairs, 1)
	roster, pending = apply(roster, pending, first)

	second := Settle(roster, pending, Options{})
	assert.True(t, second.Empty())
	assert.Empty(t, second.Assignments)
	require.Len(t, pending, 1)
	assert.Equal(t, "Hamza", pending[0].Student)
}

func TestSettle_Invariants(t *testing.T) {
	// Several groups and both genders; every settled pair must swap exactly
	// and share a gender.
	var roster []models.Student
	var pending []models.MoveRequest
	for i := 0; i < 12; i++ {
		g := models.Gender("F")
		if i%3 == 0 {
			g = "M"
		}
		name := fmt.Sprintf("S%02d", i)
		group := i%4 + 1
		roster = append(roster, student(name, g, group))
		pending = append(pending, request(name, (group+i)%4+1))
	}
	genders := make(map[string]models.Gender)
	before := make(map[string]int)
	for _, s := range roster {
		genders[s.ID()] = s.Gender
		before[s.ID()] = s.Group
	}

	plan := Settle(roster, pending, Options{})

	seen := make(map[string]bool)
	for _, p := range plan.Pairs {
		assert.Equal(t, genders[p.Student], genders[p.Partner])
		assert.Equal(t, before[p.Partner], plan.Assignments[p.Student])
		assert.Equal(t, before[p.Student], plan.Assignments[p.Partner])
		assert.False(t, seen[p.Student], "student settled twice")
		assert.False(t, seen[p.Partner], "partner settled twice")
		seen[p.Student], seen[p.Partner] = true, true
	}
	assert.Len(t, plan.Retired, 2*len(plan.Pairs))
	assert.Len(t, plan.Assignments, 2*len(plan.Pairs))
}
