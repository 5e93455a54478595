package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"group-exchange-server/exchange"
	"group-exchange-server/models"
	"group-exchange-server/service"
)

// Roster is the set of commands the handlers call
type Roster interface {
	AddStudent(ctx context.Context, in service.AddStudentInput) (*models.Student, error)
	SubmitRequest(ctx context.Context, in service.SubmitRequestInput) (*models.MoveRequest, error)
	SettleExchanges(ctx context.Context) (*service.SettleResult, error)
	ImportStudents(ctx context.Context, file io.Reader) (*service.ImportResult, error)
	ExportWorkbook(ctx context.Context, w io.Writer) error
	Students(ctx context.Context) ([]models.Student, error)
	Student(ctx context.Context, id string) (*models.Student, error)
	SetGroup(ctx context.Context, id string, in service.SetGroupInput) (*models.Student, error)
	PendingRequests(ctx context.Context) ([]models.MoveRequest, error)
	Logs(ctx context.Context) ([]models.LogEntry, error)
	Messages(ctx context.Context) ([]models.Message, error)
	Ping(ctx context.Context) error
}

var _ Roster = (*service.Service)(nil)

// APIHandler holds the dependencies for API handlers
type APIHandler struct {
	Roster Roster
	logger *zap.Logger
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(roster Roster, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		Roster: roster,
		logger: logger,
	}
}

// Register mounts the API routes on group
func (h *APIHandler) Register(api *gin.RouterGroup) {
	api.GET("/students", h.GetStudents)
	api.GET("/students/:identity", h.GetStudent)
	api.POST("/students", h.AddStudent)
	api.PUT("/students/:identity/group", h.SetGroup)

	api.GET("/requests", h.GetRequests)
	api.POST("/requests", h.SubmitRequest)

	api.POST("/exchanges/settle", h.SettleExchanges)

	api.GET("/logs", h.GetLogs)
	api.GET("/messages", h.GetMessages)

	api.POST("/import/students", h.ImportStudents)
	api.GET("/export", h.ExportWorkbook)

	api.GET("/ping", h.Ping)
}

// writeError maps validation errors to 4xx and everything else to 500
func (h *APIHandler) writeError(c *gin.Context, err error, fallback string) {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		status := http.StatusBadRequest
		switch ve {
		case models.ErrUnknownStudent:
			status = http.StatusNotFound
		case models.ErrDuplicateStudent, models.ErrDuplicateRequest:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": ve.Code})
		return
	}
	h.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}

// --- Student Handlers ---

// GetStudents handles GET /api/students
func (h *APIHandler) GetStudents(c *gin.Context) {
	students, err := h.Roster.Students(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to retrieve students")
		return
	}
	if students == nil {
		// Return empty list instead of null for JSON consistency
		students = []models.Student{}
	}
	c.JSON(http.StatusOK, students)
}

// GetStudent handles GET /api/students/:identity
func (h *APIHandler) GetStudent(c *gin.Context) {
	student, err := h.Roster.Student(c.Request.Context(), c.Param("identity"))
	if err != nil {
		h.writeError(c, err, "Failed to retrieve student")
		return
	}
	c.JSON(http.StatusOK, student)
}

// AddStudent handles POST /api/students
func (h *APIHandler) AddStudent(c *gin.Context) {
	var in service.AddStudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	student, err := h.Roster.AddStudent(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "Failed to add student")
		return
	}
	c.JSON(http.StatusCreated, student)
}

// SetGroup handles PUT /api/students/:identity/group
func (h *APIHandler) SetGroup(c *gin.Context) {
	var in service.SetGroupInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	student, err := h.Roster.SetGroup(c.Request.Context(), c.Param("identity"), in)
	if err != nil {
		h.writeError(c, err, "Failed to set group")
		return
	}
	c.JSON(http.StatusOK, student)
}

// --- Request Handlers ---

// GetRequests handles GET /api/requests
func (h *APIHandler) GetRequests(c *gin.Context) {
	requests, err := h.Roster.PendingRequests(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to retrieve requests")
		return
	}
	if requests == nil {
		requests = []models.MoveRequest{}
	}
	c.JSON(http.StatusOK, requests)
}

// SubmitRequest handles POST /api/requests
func (h *APIHandler) SubmitRequest(c *gin.Context) {
	var in service.SubmitRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	req, err := h.Roster.SubmitRequest(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "Failed to submit request")
		return
	}
	c.JSON(http.StatusCreated, req)
}

// SettleExchanges handles POST /api/exchanges/settle
func (h *APIHandler) SettleExchanges(c *gin.Context) {
	res, err := h.Roster.SettleExchanges(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to process exchanges")
		return
	}
	if res.Pairs == nil {
		res.Pairs = []exchange.Pair{}
	}
	c.JSON(http.StatusOK, res)
}

// --- History Handlers ---

// GetLogs handles GET /api/logs
func (h *APIHandler) GetLogs(c *gin.Context) {
	logs, err := h.Roster.Logs(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to retrieve logs")
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

// GetMessages handles GET /api/messages
func (h *APIHandler) GetMessages(c *gin.Context) {
	messages, err := h.Roster.Messages(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to retrieve messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// --- Import / Export Handlers ---

// ImportStudents handles POST /api/import/students
func (h *APIHandler) ImportStudents(c *gin.Context) {
	file, header, err := c.Request.FormFile("file") // "file" is the name attribute in the form
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error retrieving uploaded file: " + err.Error()})
		return
	}
	defer file.Close()

	h.logger.Info("received student import", zap.String("file", header.Filename), zap.Int64("size", header.Size))

	res, err := h.Roster.ImportStudents(c.Request.Context(), file)
	if err != nil {
		h.writeError(c, err, "Failed to import students")
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExportWorkbook handles GET /api/export
func (h *APIHandler) ExportWorkbook(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.Roster.ExportWorkbook(c.Request.Context(), &buf); err != nil {
		h.writeError(c, err, "Failed to export workbook")
		return
	}
	name := fmt.Sprintf("roster-%s.xlsx", time.Now().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// --- Ping Handler ---

// Ping handles GET /api/ping
func (h *APIHandler) Ping(c *gin.Context) {
	if err := h.Roster.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("store ping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Pong!"})
}
