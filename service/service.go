// Package service implements the roster commands: student admission, move
// requests and exchange settlement. Every command runs under one lock so a
// settlement pass is never partially visible.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"group-exchange-server/db"
	"group-exchange-server/exchange"
	"group-exchange-server/models"
)

// Options holds admission and matching rules
type Options struct {
	Genders         []models.Gender
	RequireLastName bool
	Messages        bool // Record human-readable messages alongside log entries
	Exchange        exchange.Options

	Now   func() time.Time // Defaults to time.Now
	NewID func() string    // Defaults to uuid.NewString
}

// Service runs commands against a Store
type Service struct {
	mu      sync.Mutex
	store   db.Store
	logger  *zap.Logger
	metrics *Metrics
	opts    Options
}

// New creates a Service. A nil metrics gets unregistered collectors.
func New(store db.Store, logger *zap.Logger, metrics *Metrics, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		store:   store,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// AddStudentInput is the payload for AddStudent
type AddStudentInput struct {
	FirstName string        `json:"firstName"`
	LastName  string        `json:"lastName"`
	Gender    models.Gender `json:"gender"`
	Group     int           `json:"group"`
}

// SubmitRequestInput is the payload for SubmitRequest. Student is the
// identity key; when empty it is built from FirstName and LastName.
type SubmitRequestInput struct {
	Student     string `json:"student"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	TargetGroup int    `json:"targetGroup"`
}

// SetGroupInput is the payload for SetGroup
type SetGroupInput struct {
	Group int `json:"group"`
}

// SettleResult reports one settlement pass
type SettleResult struct {
	Pairs   []exchange.Pair `json:"pairs"`
	Skipped []string        `json:"skipped"` // Request IDs whose requester is not on the roster
}

// ImportFailure is a rejected spreadsheet row
type ImportFailure struct {
	Row     int    `json:"row"`
	Student string `json:"student"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// ImportResult reports an Excel import
type ImportResult struct {
	Imported int             `json:"imported"`
	Failures []ImportFailure `json:"failures"`
}

func (s *Service) timestamp() string {
	return s.opts.Now().Format(models.TimestampLayout)
}

func (s *Service) reject(op string, err error) error {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		s.metrics.Rejections.WithLabelValues(op, ve.Code).Inc()
		s.logger.Debug("command rejected", zap.String("operation", op), zap.String("code", ve.Code), zap.Error(err))
	}
	return err
}

// history records a log entry and, when enabled, a message. Failures are logged, not returned.
func (s *Service) history(ctx context.Context, entry models.LogEntry, message string) {
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("failed to append log entry", zap.String("action", entry.Action), zap.Error(err))
	}
	if !s.opts.Messages {
		return
	}
	if err := s.store.AppendMessage(ctx, models.Message{Date: entry.Date, Message: message}); err != nil {
		s.logger.Warn("failed to append message", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (s *Service) genderAllowed(g models.Gender) bool {
	for _, allowed := range s.opts.Genders {
		if g == allowed {
			return true
		}
	}
	return false
}

// AddStudent validates and admits a new student
func (s *Service) AddStudent(ctx context.Context, in AddStudentInput) (*models.Student, error) {
	const op = "add_student"
	student := models.Student{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Gender:    models.Gender(strings.TrimSpace(string(in.Gender))),
		Group:     in.Group,
	}
	if student.FirstName == "" {
		return nil, s.reject(op, fmt.Errorf("%w: first name", models.ErrBlankName))
	}
	if s.opts.RequireLastName && student.LastName == "" {
		return nil, s.reject(op, fmt.Errorf("%w: last name", models.ErrBlankName))
	}
	if !s.genderAllowed(student.Gender) {
		return nil, s.reject(op, fmt.Errorf("%w: %q", models.ErrInvalidGender, student.Gender))
	}
	if student.Group < 1 {
		return nil, s.reject(op, fmt.Errorf("%w: %d", models.ErrInvalidGroup, student.Group))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := student.ID()
	existing, err := s.store.Student(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to check student %s: %w", id, err)
	}
	if existing != nil {
		return nil, s.reject(op, fmt.Errorf("%w: %s", models.ErrDuplicateStudent, id))
	}
	if err := s.store.AddStudent(ctx, student); err != nil {
		return nil, s.reject(op, err)
	}

	s.metrics.StudentsAdded.Inc()
	s.logger.Info("student added", zap.String("student", id), zap.Int("group", student.Group))
	s.history(ctx, models.LogEntry{
		Date:     s.timestamp(),
		Action:   models.ActionAddStudent,
		Student1: id,
	}, fmt.Sprintf("%s added to Group %d.", id, student.Group))
	return &student, nil
}

// SubmitRequest records a pending move request
func (s *Service) SubmitRequest(ctx context.Context, in SubmitRequestInput) (*models.MoveRequest, error) {
	const op = "submit_request"
	id := strings.TrimSpace(in.Student)
	if id == "" {
		id = models.IdentityKey(in.FirstName, in.LastName)
	}
	if id == "" {
		return nil, s.reject(op, fmt.Errorf("%w: student", models.ErrBlankName))
	}
	if in.TargetGroup < 1 {
		return nil, s.reject(op, fmt.Errorf("%w: %d", models.ErrInvalidGroup, in.TargetGroup))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	student, err := s.store.Student(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up student %s: %w", id, err)
	}
	if student == nil {
		return nil, s.reject(op, fmt.Errorf("%w: %s", models.ErrUnknownStudent, id))
	}
	if student.Group == in.TargetGroup {
		return nil, s.reject(op, fmt.Errorf("%w: %s is in Group %d", models.ErrSameGroup, id, in.TargetGroup))
	}
	existing, err := s.store.RequestByStudent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up request for %s: %w", id, err)
	}
	if existing != nil {
		return nil, s.reject(op, fmt.Errorf("%w: %s", models.ErrDuplicateRequest, id))
	}

	req := models.MoveRequest{
		ID:          s.opts.NewID(),
		Student:     id,
		TargetGroup: in.TargetGroup,
		CreatedAt:   s.opts.Now().UTC(),
	}
	if err := s.store.AddRequest(ctx, req); err != nil {
		return nil, s.reject(op, err)
	}

	s.metrics.RequestsSubmitted.Inc()
	s.metrics.PendingRequests.Inc()
	s.logger.Info("request submitted", zap.String("student", id), zap.Int("from", student.Group), zap.Int("to", req.TargetGroup))
	s.history(ctx, models.LogEntry{
		Date:     s.timestamp(),
		Action:   models.ActionSubmitRequest,
		Student1: id,
	}, fmt.Sprintf("Request submitted: %s wants to go to Group %d.", id, req.TargetGroup))
	return &req, nil
}

// SetGroup moves a student by hand. A pending request that targets the new
// group is satisfied by the move and retired.
func (s *Service) SetGroup(ctx context.Context, id string, in SetGroupInput) (*models.Student, error) {
	const op = "set_group"
	id = strings.TrimSpace(id)
	if in.Group < 1 {
		return nil, s.reject(op, fmt.Errorf("%w: %d", models.ErrInvalidGroup, in.Group))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	student, err := s.store.Student(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up student %s: %w", id, err)
	}
	if student == nil {
		return nil, s.reject(op, fmt.Errorf("%w: %s", models.ErrUnknownStudent, id))
	}
	if student.Group == in.Group {
		return student, nil
	}
	if err := s.store.SetGroup(ctx, id, in.Group); err != nil {
		return nil, s.reject(op, err)
	}
	from := student.Group
	student.Group = in.Group

	req, err := s.store.RequestByStudent(ctx, id)
	if err != nil {
		s.logger.Warn("failed to look up request after group edit", zap.String("student", id), zap.Error(err))
	} else if req != nil && req.TargetGroup == in.Group {
		if err := s.store.RemoveRequest(ctx, req.ID); err != nil {
			s.logger.Warn("failed to retire satisfied request", zap.String("request", req.ID), zap.Error(err))
		} else {
			s.metrics.PendingRequests.Dec()
		}
	}

	s.logger.Info("group set", zap.String("student", id), zap.Int("from", from), zap.Int("to", in.Group))
	s.history(ctx, models.LogEntry{
		Date:     s.timestamp(),
		Action:   models.ActionSetGroup,
		Student1: id,
	}, fmt.Sprintf("%s moved from Group %d to Group %d.", id, from, in.Group))
	return student, nil
}

// settleAttempts bounds how often SettleExchanges recomputes a plan after a
// concurrent writer changed the store under it
const settleAttempts = 3

// SettleExchanges runs one matching pass and applies the resulting swaps atomically.
// A plan invalidated by another process is recomputed from fresh reads.
func (s *Service) SettleExchanges(ctx context.Context) (*SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		var res *SettleResult
		res, err = s.settleOnce(ctx)
		if !errors.Is(err, db.ErrSettlementConflict) {
			return res, err
		}
		s.metrics.SettlementConflicts.Inc()
		s.logger.Warn("settlement conflicted with a concurrent write, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("failed to apply settlement after %d attempts: %w", settleAttempts, err)
}

func (s *Service) settleOnce(ctx context.Context) (*SettleResult, error) {
	roster, err := s.store.Students(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	pending, err := s.store.PendingRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending requests: %w", err)
	}

	plan := exchange.Settle(roster, pending, s.opts.Exchange)
	s.metrics.SettlementRuns.Inc()

	result := &SettleResult{Pairs: []exchange.Pair{}, Skipped: []string{}}
	if len(plan.Skipped) > 0 {
		s.metrics.SkippedRequests.Add(float64(len(plan.Skipped)))
		s.logger.Warn("requests reference students missing from the roster", zap.Strings("requests", plan.Skipped))
		result.Skipped = plan.Skipped
	}
	if plan.Empty() {
		s.metrics.PendingRequests.Set(float64(len(pending)))
		s.logger.Info("no eligible exchanges found", zap.Int("pending", len(pending)))
		return result, nil
	}

	now := s.timestamp()
	settlement := db.Settlement{
		Assignments: plan.Assignments,
		Expected:    make(map[string]int, len(plan.Assignments)),
		Retired:     plan.Retired,
	}
	for _, p := range plan.Pairs {
		settlement.Expected[p.Student] = p.StudentFrom
		settlement.Expected[p.Partner] = p.PartnerFrom
		settlement.Logs = append(settlement.Logs, models.LogEntry{
			Date:     now,
			Action:   models.ActionExchangeSettled,
			Student1: p.Student,
			Student2: p.Partner,
		})
		if s.opts.Messages {
			settlement.Messages = append(settlement.Messages, models.Message{
				Date:    now,
				Message: fmt.Sprintf("Exchange processed: %s ↔ %s (Group %d ↔ Group %d).", p.Student, p.Partner, p.StudentFrom, p.PartnerFrom),
			})
		}
	}
	if err := s.store.ApplySettlement(ctx, settlement); err != nil {
		return nil, fmt.Errorf("failed to apply settlement: %w", err)
	}

	s.metrics.ExchangesSettled.Add(float64(len(plan.Pairs)))
	s.metrics.PendingRequests.Set(float64(len(pending) - len(plan.Retired)))
	for _, p := range plan.Pairs {
		s.logger.Info("exchange settled",
			zap.String("student", p.Student),
			zap.String("partner", p.Partner),
			zap.Int("studentFrom", p.StudentFrom),
			zap.Int("partnerFrom", p.PartnerFrom))
	}
	result.Pairs = plan.Pairs
	return result, nil
}

// ImportStudents admits every valid row of an Excel sheet. Bad rows are reported, not fatal.
func (s *Service) ImportStudents(ctx context.Context, file io.Reader) (*ImportResult, error) {
	rows, err := db.ReadStudentRows(file)
	if err != nil {
		return nil, s.reject("import_students", fmt.Errorf("%w: %v", models.ErrInvalidWorkbook, err))
	}

	result := &ImportResult{Failures: []ImportFailure{}}
	for _, row := range rows {
		err := row.Err
		if err == nil {
			_, err = s.AddStudent(ctx, AddStudentInput{
				FirstName: row.Student.FirstName,
				LastName:  row.Student.LastName,
				Gender:    row.Student.Gender,
				Group:     row.Student.Group,
			})
		}
		if err != nil {
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				return result, fmt.Errorf("failed to import row %d: %w", row.Row, err)
			}
			result.Failures = append(result.Failures, ImportFailure{
				Row:     row.Row,
				Student: row.Student.ID(),
				Code:    ve.Code,
				Error:   err.Error(),
			})
			continue
		}
		result.Imported++
	}
	s.logger.Info("students imported", zap.Int("imported", result.Imported), zap.Int("failed", len(result.Failures)))
	return result, nil
}

// ExportWorkbook writes a consistent snapshot of all records as .xlsx
func (s *Service) ExportWorkbook(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	snap, err := s.store.Snapshot(ctx)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return db.WriteWorkbook(w, snap)
}

// Students lists the roster in insertion order
func (s *Service) Students(ctx context.Context) ([]models.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Students(ctx)
}

// Student returns one student or ErrUnknownStudent
func (s *Service) Student(ctx context.Context, id string) (*models.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	student, err := s.store.Student(ctx, id)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownStudent, id)
	}
	return student, nil
}

// PendingRequests lists pending requests in submission order
func (s *Service) PendingRequests(ctx context.Context) ([]models.MoveRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.PendingRequests(ctx)
}

// Logs returns the activity log
func (s *Service) Logs(ctx context.Context) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Logs(ctx)
}

// Messages returns the message history
func (s *Service) Messages(ctx context.Context) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages(ctx)
}

// SyncPendingGauge sets the pending-requests gauge from the store. Run it at
// startup, since the counters only track changes made by this process.
func (s *Service) SyncPendingGauge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, err := s.store.PendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending requests: %w", err)
	}
	s.metrics.PendingRequests.Set(float64(len(pending)))
	return nil
}

// Ping checks the backing store
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
