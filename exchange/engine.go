// Package exchange computes group swaps between students with reciprocal move requests.
//
// Settle is pure: it reads a roster and the ordered pending requests and
// returns a Plan describing the group reassignments and the requests to
// retire. Applying the plan is the caller's job.
package exchange

import "group-exchange-server/models"

// Options tunes the matching predicate
type Options struct {
	// RequireMutual also requires the partner to sit in the requester's target group.
	// Off by default: a partner only needs to want the requester's current group.
	RequireMutual bool
}

// Pair is one settled exchange
type Pair struct {
	Student          string `json:"student"`
	Partner          string `json:"partner"`
	StudentRequestID string `json:"studentRequestId"`
	PartnerRequestID string `json:"partnerRequestId"`
	StudentFrom      int    `json:"studentFrom"` // Student's group before the swap (partner's group after)
	PartnerFrom      int    `json:"partnerFrom"` // Partner's group before the swap (student's group after)
}

// Plan is the mutation set produced by one settlement pass
type Plan struct {
	Pairs       []Pair
	Assignments map[string]int // Identity key -> new group
	Retired     []string       // Request IDs consumed by Pairs
	Skipped     []string       // Request IDs whose requester is not on the roster
}

// Empty reports whether the plan changes nothing
func (p Plan) Empty() bool {
	return len(p.Pairs) == 0
}

type member struct {
	gender models.Gender
	group  int
}

// Settle runs a single pass over pending in stored order. For each live
// request it picks the first other live request whose target group is the
// requester's current group and whose requester has the same gender, swaps
// the two students' groups and retires both requests.
func Settle(roster []models.Student, pending []models.MoveRequest, opts Options) Plan {
	plan := Plan{Assignments: make(map[string]int)}

	members := make(map[string]*member, len(roster))
	for _, s := range roster {
		members[s.ID()] = &member{gender: s.Gender, group: s.Group}
	}

	retired := make([]bool, len(pending))
	for i, req := range pending {
		if retired[i] {
			continue
		}
		s, ok := members[req.Student]
		if !ok {
			plan.Skipped = append(plan.Skipped, req.ID)
			continue
		}

		j := findPartner(members, pending, retired, i, s, req.TargetGroup, opts)
		if j < 0 {
			continue
		}

		partnerReq := pending[j]
		p := members[partnerReq.Student]
		current := s.group
		s.group, p.group = p.group, current
		retired[i], retired[j] = true, true

		plan.Assignments[req.Student] = s.group
		plan.Assignments[partnerReq.Student] = p.group
		plan.Retired = append(plan.Retired, req.ID, partnerReq.ID)
		plan.Pairs = append(plan.Pairs, Pair{
			Student:          req.Student,
			Partner:          partnerReq.Student,
			StudentRequestID: req.ID,
			PartnerRequestID: partnerReq.ID,
			StudentFrom:      current,
			PartnerFrom:      s.group,
		})
	}
	return plan
}

func findPartner(members map[string]*member, pending []models.MoveRequest, retired []bool, self int, s *member, target int, opts Options) int {
	for j, cand := range pending {
		if j == self || retired[j] || cand.Student == pending[self].Student {
			continue
		}
		if cand.TargetGroup != s.group {
			continue
		}
		p, ok := members[cand.Student]
		if !ok || p.gender != s.gender {
			continue
		}
		if opts.RequireMutual && p.group != target {
			continue
		}
		return j
	}
	return -1
}
