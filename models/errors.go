package models

// ValidationError is returned when a command is rejected before any state changes
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrBlankName        = &ValidationError{Code: "blank_name", Message: "name cannot be empty"}
	ErrDuplicateStudent = &ValidationError{Code: "duplicate_student", Message: "student already exists"}
	ErrInvalidGender    = &ValidationError{Code: "invalid_gender", Message: "gender is not allowed"}
	ErrInvalidGroup     = &ValidationError{Code: "invalid_group", Message: "group must be a positive integer"}
	ErrUnknownStudent   = &ValidationError{Code: "unknown_student", Message: "student not found"}
	ErrSameGroup        = &ValidationError{Code: "same_group", Message: "student is already in this group"}
	ErrDuplicateRequest = &ValidationError{Code: "duplicate_request", Message: "student already submitted a request"}
	ErrInvalidWorkbook  = &ValidationError{Code: "invalid_workbook", Message: "uploaded file is not a readable workbook"}
)
