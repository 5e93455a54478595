package models

import (
	"strings"
	"time"
)

// Gender is a student's gender code (e.g. "F", "M")
type Gender string

// Student represents a student on the roster
type Student struct {
	FirstName string `json:"firstName"`          // Required name field
	LastName  string `json:"lastName,omitempty"` // Optional unless the roster requires it
	Gender    Gender `json:"gender"`
	Group     int    `json:"group"` // Current group assignment, >= 1
}

// ID returns the student's identity key
func (s Student) ID() string {
	return IdentityKey(s.FirstName, s.LastName)
}

// IdentityKey joins the trimmed, non-blank name fields with a single space.
// Keys are compared exactly (case-sensitive).
func IdentityKey(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}

// MoveRequest is a pending request by one student to move into TargetGroup
type MoveRequest struct {
	ID          string    `json:"id"`
	Student     string    `json:"student"` // Identity key of the requester
	TargetGroup int       `json:"targetGroup"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Log actions
const (
	ActionAddStudent      = "Add Student"
	ActionSubmitRequest   = "Submit Request"
	ActionExchangeSettled = "Exchange Settled"
	ActionSetGroup        = "Set Group"
)

// TimestampLayout is the layout used for LogEntry.Date and Message.Date
const TimestampLayout = "2006-01-02 15:04:05"

// LogEntry is an append-only audit record
type LogEntry struct {
	Date     string `json:"date"`
	Action   string `json:"action"`
	Student1 string `json:"student1"`
	Student2 string `json:"student2,omitempty"`
}

// Message is a human-readable notice shown in the message history
type Message struct {
	Date    string `json:"date"`
	Message string `json:"message"`
}

// Snapshot is a consistent copy of the whole application state
type Snapshot struct {
	Students []Student     `json:"students"`
	Requests []MoveRequest `json:"requests"`
	Logs     []LogEntry    `json:"logs"`
	Messages []Message     `json:"messages"`
}
