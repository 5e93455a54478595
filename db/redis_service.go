package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"group-exchange-server/models"
)

const (
	studentsKey         = "students"           // List: student IDs in insertion order
	studentInfoPrefix   = "student:"           // Hash prefix: student:{id} -> student details
	requestsKey         = "requests"           // List: pending request IDs in insertion order
	requestInfoPrefix   = "request:"           // Hash prefix: request:{id} -> request details
	requestByStudentKey = "request_by_student" // Hash: student ID -> pending request ID
	logsKey             = "logs"               // List: JSON log entries
	messagesKey         = "messages"           // List: JSON messages
)

// RedisService stores the roster, pending requests and history in Redis
type RedisService struct {
	Client *redis.Client
	logger *zap.Logger
}

var _ Store = (*RedisService)(nil)

// NewRedisService creates a new RedisService instance
func NewRedisService(client *redis.Client, logger *zap.Logger) *RedisService {
	return &RedisService{
		Client: client,
		logger: logger,
	}
}

// Helper to generate student info key
func getStudentInfoKey(studentID string) string {
	return studentInfoPrefix + studentID
}

// Helper to generate request info key
func getRequestInfoKey(requestID string) string {
	return requestInfoPrefix + requestID
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// --- Student Operations ---

// AddStudent adds a student, failing if the identity is already taken
func (s *RedisService) AddStudent(ctx context.Context, student models.Student) error {
	id := student.ID()
	studentKey := getStudentInfoKey(id)

	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, studentKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", models.ErrDuplicateStudent, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, studentsKey, id)
			pipe.HSet(ctx, studentKey, map[string]interface{}{
				"firstName": student.FirstName,
				"lastName":  student.LastName,
				"gender":    string(student.Gender),
				"group":     student.Group,
			})
			return nil
		})
		return err
	}, studentKey)
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return err
		}
		s.logger.Error("failed to add student", zap.String("student", id), zap.Error(err))
		return fmt.Errorf("failed to add student to Redis: %w", err)
	}
	return nil
}

// Student retrieves a student by identity key
func (s *RedisService) Student(ctx context.Context, id string) (*models.Student, error) {
	data, err := s.Client.HGetAll(ctx, getStudentInfoKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.logger.Error("failed to get student", zap.String("student", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get student from Redis: %w", err)
	}
	if len(data) == 0 {
		return nil, nil // Not found
	}
	return parseStudent(data)
}

func parseStudent(data map[string]string) (*models.Student, error) {
	group, err := strconv.Atoi(data["group"])
	if err != nil {
		return nil, fmt.Errorf("invalid group %q for student %s: %w", data["group"], data["firstName"], err)
	}
	return &models.Student{
		FirstName: data["firstName"],
		LastName:  data["lastName"],
		Gender:    models.Gender(data["gender"]),
		Group:     group,
	}, nil
}

// Students retrieves all students in insertion order
func (s *RedisService) Students(ctx context.Context) ([]models.Student, error) {
	ids, err := s.Client.LRange(ctx, studentsKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("failed to list student IDs", zap.Error(err))
		return nil, fmt.Errorf("failed to get student IDs from Redis: %w", err)
	}

	pipe := s.Client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, getStudentInfoKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to get students from Redis: %w", err)
		}
	}

	students := make([]models.Student, 0, len(ids))
	for i, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			s.logger.Warn("student listed without details", zap.String("student", ids[i]))
			continue
		}
		student, err := parseStudent(data)
		if err != nil {
			s.logger.Warn("skipping unreadable student", zap.String("student", ids[i]), zap.Error(err))
			continue
		}
		students = append(students, *student)
	}
	return students, nil
}

// SetGroup moves a student into group
func (s *RedisService) SetGroup(ctx context.Context, id string, group int) error {
	studentKey := getStudentInfoKey(id)
	n, err := s.Client.Exists(ctx, studentKey).Result()
	if err != nil {
		return fmt.Errorf("failed to check student existence: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrUnknownStudent, id)
	}
	if err := s.Client.HSet(ctx, studentKey, "group", group).Err(); err != nil {
		s.logger.Error("failed to set group", zap.String("student", id), zap.Error(err))
		return fmt.Errorf("failed to set group in Redis: %w", err)
	}
	return nil
}

// --- Request Operations ---

// AddRequest appends a pending request, failing if the student already has one
func (s *RedisService) AddRequest(ctx context.Context, req models.MoveRequest) error {
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, requestByStudentKey, req.Student).Result()
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRequest, req.Student)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, getRequestInfoKey(req.ID), map[string]interface{}{
				"id":          req.ID,
				"student":     req.Student,
				"targetGroup": req.TargetGroup,
				"createdAt":   req.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
			pipe.RPush(ctx, requestsKey, req.ID)
			pipe.HSet(ctx, requestByStudentKey, req.Student, req.ID)
			return nil
		})
		return err
	}, requestByStudentKey)
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return err
		}
		s.logger.Error("failed to add request", zap.String("student", req.Student), zap.Error(err))
		return fmt.Errorf("failed to add request to Redis: %w", err)
	}
	return nil
}

func parseRequest(data map[string]string) (*models.MoveRequest, error) {
	target, err := strconv.Atoi(data["targetGroup"])
	if err != nil {
		return nil, fmt.Errorf("invalid target group %q for request %s: %w", data["targetGroup"], data["id"], err)
	}
	created, err := time.Parse(time.RFC3339Nano, data["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt %q for request %s: %w", data["createdAt"], data["id"], err)
	}
	return &models.MoveRequest{
		ID:          data["id"],
		Student:     data["student"],
		TargetGroup: target,
		CreatedAt:   created,
	}, nil
}

// PendingRequests retrieves pending requests in insertion order
func (s *RedisService) PendingRequests(ctx context.Context) ([]models.MoveRequest, error) {
	ids, err := s.Client.LRange(ctx, requestsKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("failed to list request IDs", zap.Error(err))
		return nil, fmt.Errorf("failed to get request IDs from Redis: %w", err)
	}

	pipe := s.Client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, getRequestInfoKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to get requests from Redis: %w", err)
		}
	}

	requests := make([]models.MoveRequest, 0, len(ids))
	for i, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			s.logger.Warn("request listed without details", zap.String("request", ids[i]))
			continue
		}
		req, err := parseRequest(data)
		if err != nil {
			s.logger.Warn("skipping unreadable request", zap.String("request", ids[i]), zap.Error(err))
			continue
		}
		requests = append(requests, *req)
	}
	return requests, nil
}

// RequestByStudent returns the student's pending request, if any
func (s *RedisService) RequestByStudent(ctx context.Context, id string) (*models.MoveRequest, error) {
	reqID, err := s.Client.HGet(ctx, requestByStudentKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up request for %s: %w", id, err)
	}
	data, err := s.Client.HGetAll(ctx, getRequestInfoKey(reqID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s from Redis: %w", reqID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return parseRequest(data)
}

// RemoveRequest deletes a pending request; unknown IDs are ignored
func (s *RedisService) RemoveRequest(ctx context.Context, requestID string) error {
	owners, err := requestOwners(ctx, s.Client, []string{requestID})
	if err != nil {
		return err
	}
	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queueRequestRemoval(ctx, pipe, requestID, owners[requestID])
		return nil
	})
	if err != nil {
		s.logger.Error("failed to remove request", zap.String("request", requestID), zap.Error(err))
		return fmt.Errorf("failed to remove request from Redis: %w", err)
	}
	return nil
}

// requestOwners maps request IDs to the requesting student
func requestOwners(ctx context.Context, c interface{ Pipeline() redis.Pipeliner }, ids []string) (map[string]string, error) {
	owners := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return owners, nil
	}
	pipe := c.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, getRequestInfoKey(id), "student")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to look up request owners: %w", err)
	}
	for i, cmd := range cmds {
		if student, err := cmd.Result(); err == nil {
			owners[ids[i]] = student
		}
	}
	return owners, nil
}

func queueRequestRemoval(ctx context.Context, pipe redis.Pipeliner, requestID, student string) {
	pipe.LRem(ctx, requestsKey, 0, requestID)
	pipe.Del(ctx, getRequestInfoKey(requestID))
	if student != "" {
		pipe.HDel(ctx, requestByStudentKey, student)
	}
}

// --- History Operations ---

func (s *RedisService) AppendLog(ctx context.Context, entry models.LogEntry) error {
	return s.appendJSON(ctx, logsKey, entry)
}

func (s *RedisService) AppendMessage(ctx context.Context, msg models.Message) error {
	return s.appendJSON(ctx, messagesKey, msg)
}

func (s *RedisService) appendJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s entry: %w", key, err)
	}
	if err := s.Client.RPush(ctx, key, raw).Err(); err != nil {
		s.logger.Error("failed to append history", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

func (s *RedisService) Logs(ctx context.Context) ([]models.LogEntry, error) {
	var out []models.LogEntry
	err := s.readJSONList(ctx, logsKey, func(raw string) error {
		var e models.LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *RedisService) Messages(ctx context.Context) ([]models.Message, error) {
	var out []models.Message
	err := s.readJSONList(ctx, messagesKey, func(raw string) error {
		var m models.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *RedisService) readJSONList(ctx context.Context, key string, decode func(string) error) error {
	items, err := s.Client.LRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}
	for _, raw := range items {
		if err := decode(raw); err != nil {
			s.logger.Warn("skipping unreadable history entry", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// --- Settlement ---

// ApplySettlement writes group changes, request removals and history in one
// MULTI/EXEC. The touched student and request keys are watched and checked
// against st first; a concurrent writer yields ErrSettlementConflict.
func (s *RedisService) ApplySettlement(ctx context.Context, st Settlement) error {
	logs, err := encodeEntries(st.Logs)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	messages, err := encodeEntries(st.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	keys := []string{requestsKey}
	for id := range st.Assignments {
		keys = append(keys, getStudentInfoKey(id))
	}
	for id := range st.Expected {
		keys = append(keys, getStudentInfoKey(id))
	}
	for _, reqID := range st.Retired {
		keys = append(keys, getRequestInfoKey(reqID))
	}

	err = s.Client.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkSettlement(ctx, tx, st); err != nil {
			return err
		}
		owners, err := requestOwners(ctx, tx, st.Retired)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, group := range st.Assignments {
				pipe.HSet(ctx, getStudentInfoKey(id), "group", group)
			}
			for _, reqID := range st.Retired {
				queueRequestRemoval(ctx, pipe, reqID, owners[reqID])
			}
			for _, raw := range logs {
				pipe.RPush(ctx, logsKey, raw)
			}
			for _, raw := range messages {
				pipe.RPush(ctx, messagesKey, raw)
			}
			return nil
		})
		return err
	}, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: watched keys changed", ErrSettlementConflict)
	case errors.Is(err, ErrSettlementConflict), errors.Is(err, models.ErrUnknownStudent):
		return err
	}
	s.logger.Error("failed to apply settlement", zap.Int("assignments", len(st.Assignments)), zap.Error(err))
	return fmt.Errorf("failed to apply settlement in Redis: %w", err)
}

// checkSettlement verifies that every assigned student exists, that every
// expected group still holds and that every retired request is still stored
func checkSettlement(ctx context.Context, tx *redis.Tx, st Settlement) error {
	pipe := tx.Pipeline()
	exists := make(map[string]*redis.IntCmd, len(st.Assignments))
	for id := range st.Assignments {
		exists[id] = pipe.Exists(ctx, getStudentInfoKey(id))
	}
	groups := make(map[string]*redis.StringCmd, len(st.Expected))
	for id := range st.Expected {
		groups[id] = pipe.HGet(ctx, getStudentInfoKey(id), "group")
	}
	requests := make([]*redis.IntCmd, len(st.Retired))
	for i, reqID := range st.Retired {
		requests[i] = pipe.Exists(ctx, getRequestInfoKey(reqID))
	}
	if len(exists)+len(groups)+len(requests) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check students before settlement: %w", err)
	}

	for id, cmd := range exists {
		if cmd.Val() == 0 {
			return fmt.Errorf("failed to apply settlement: %w: %s", models.ErrUnknownStudent, id)
		}
	}
	for id, cmd := range groups {
		got, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to apply settlement: %w: %s", models.ErrUnknownStudent, id)
		}
		if got != strconv.Itoa(st.Expected[id]) {
			return fmt.Errorf("%w: %s is in Group %s, expected %d", ErrSettlementConflict, id, got, st.Expected[id])
		}
	}
	for i, cmd := range requests {
		if cmd.Val() == 0 {
			return fmt.Errorf("%w: request %s is no longer pending", ErrSettlementConflict, st.Retired[i])
		}
	}
	return nil
}

func encodeEntries[T any](entries []T) ([][]byte, error) {
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Snapshot reads every collection; callers serialize writers around it
func (s *RedisService) Snapshot(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot
	var err error
	if snap.Students, err = s.Students(ctx); err != nil {
		return snap, err
	}
	if snap.Requests, err = s.PendingRequests(ctx); err != nil {
		return snap, err
	}
	if snap.Logs, err = s.Logs(ctx); err != nil {
		return snap, err
	}
	if snap.Messages, err = s.Messages(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// --- Utility ---

// InitializeRedisClient creates and tests a Redis client connection
func InitializeRedisClient(ctx context.Context, opts *redis.Options, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(opts)

	// Ping Redis to check connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to Redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return rdb, nil
}
