package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// demoStudents is the roster added by SeedIfEmpty
var demoStudents = []AddStudentInput{
	{FirstName: "Amina", LastName: "Alaoui", Gender: "F", Group: 1},
	{FirstName: "Sara", LastName: "Bennani", Gender: "F", Group: 2},
	{FirstName: "Youssef", LastName: "Chraibi", Gender: "M", Group: 1},
	{FirstName: "Omar", LastName: "Idrissi", Gender: "M", Group: 2},
}

// SeedIfEmpty adds demo students when the roster is empty and reports whether it did
func (s *Service) SeedIfEmpty(ctx context.Context) (bool, error) {
	students, err := s.Students(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing students: %w", err)
	}
	if len(students) > 0 {
		s.logger.Info("existing students found, skipping seed data", zap.Int("students", len(students)))
		return false, nil
	}

	s.logger.Info("no students found, adding seed data")
	for _, in := range demoStudents {
		if _, err := s.AddStudent(ctx, in); err != nil {
			// A rejected demo row (e.g. gender not configured) does not stop the rest.
			s.logger.Warn("failed to add seed student", zap.String("student", in.FirstName), zap.Error(err))
		}
	}
	return true, nil
}
