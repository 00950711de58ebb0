package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/filebeam/filebeam/internal/history"
	"github.com/filebeam/filebeam/internal/presence"
	"github.com/filebeam/filebeam/internal/scheduler"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// SubmitResponse is returned on successful admission.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// submitBody is the wire form of a transfer submission. The file content is
// read from a path local to this node, the way the sender's node stages it.
type submitBody struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
	FilePath   string `json:"file_path"`
	Password   string `json:"password,omitempty"`
}

// Server exposes the gateway's operations over HTTP with a server-sent event
// stream for presence, progress and terminal events.
type Server struct {
	gw   *Gateway
	port int
}

func NewServer(gw *Gateway, port int) *Server {
	return &Server{gw: gw, port: port}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc(BasePath+"/events", s.handleEvents)
	mux.HandleFunc(BasePath+"/participants/online", s.handleOnline)
	mux.HandleFunc(BasePath+"/transfer/submit", s.handleSubmit)
	mux.HandleFunc(BasePath+"/transfer/", s.handleTransferRoutes)
	mux.HandleFunc(BasePath+"/history", s.handleHistory)
	return mux
}

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}
	logrus.Infof("Coordination gateway listening on port %d", s.port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": "Server is running",
	})
}

// handleEvents implements connect(participant) -> stream of events as an SSE
// stream. The participant goes online for the lifetime of the request and
// offline when the stream closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	req := ConnectRequest{
		ID:          q.Get("participant_id"),
		DisplayName: q.Get("display_name"),
		Roles:       parseRoles(q.Get("roles")),
	}
	events, err := s.gw.Connect(req)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	defer s.gw.Disconnect(req.ID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	WriteJSONResponse(w, http.StatusOK, s.gw.ListOnline())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if body.FilePath == "" {
		WriteErrorResponse(w, http.StatusBadRequest, "file_path is required")
		return
	}
	if body.Size == 0 {
		info, err := os.Stat(body.FilePath)
		if err != nil {
			WriteErrorResponse(w, http.StatusBadRequest, "Cannot stat file: "+err.Error())
			return
		}
		body.Size = info.Size()
	}

	filePath := body.FilePath
	sessionID, err := s.gw.SubmitTransfer(SubmitRequest{
		SenderID:   body.SenderID,
		ReceiverID: body.ReceiverID,
		FileName:   body.FileName,
		Size:       body.Size,
		Password:   body.Password,
		Source: func() (io.ReadCloser, error) {
			return os.Open(filePath)
		},
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	WriteJSONResponse(w, http.StatusCreated, SubmitResponse{
		SessionID: sessionID,
		Status:    "pending",
		Message:   "Transfer admitted",
	})
}

// handleTransferRoutes handles /transfer/{session_id}/{action}
func (s *Server) handleTransferRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, BasePath+"/transfer/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		WriteErrorResponse(w, http.StatusNotFound, "Invalid transfer route")
		return
	}
	sessionID, action := parts[0], parts[1]

	switch action {
	case "ack":
		if r.Method != http.MethodPost {
			WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if err := s.gw.AcknowledgeReceipt(sessionID); err != nil {
			writeGatewayError(w, err)
			return
		}
		WriteJSONResponse(w, http.StatusOK, map[string]string{"session_id": sessionID, "message": "Receipt acknowledged"})

	case "cancel":
		if r.Method != http.MethodPost {
			WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if err := s.gw.CancelTransfer(sessionID); err != nil {
			writeGatewayError(w, err)
			return
		}
		WriteJSONResponse(w, http.StatusOK, map[string]string{"session_id": sessionID, "message": "Cancellation requested"})

	case "status":
		if r.Method != http.MethodGet {
			WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		snap, entry, err := s.gw.SessionStatus(sessionID)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		if entry != nil {
			WriteJSONResponse(w, http.StatusOK, entry)
			return
		}
		WriteJSONResponse(w, http.StatusOK, snap)

	default:
		WriteErrorResponse(w, http.StatusNotFound, "Invalid action")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		ParticipantID: q.Get("participant_id"),
		Status:        q.Get("status"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			WriteErrorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := s.gw.QueryHistory(filter)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, entries)
}

func parseRoles(s string) presence.Role {
	switch strings.ToLower(s) {
	case "sender":
		return presence.RoleSender
	case "receiver":
		return presence.RoleReceiver
	case "both":
		return presence.RoleBoth
	default:
		return 0
	}
}

// writeGatewayError maps core errors onto HTTP status codes.
func writeGatewayError(w http.ResponseWriter, err error) {
	var admission *scheduler.AdmissionError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		WriteErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &admission):
		if admission.Code == scheduler.CapacityExceeded {
			WriteErrorResponse(w, http.StatusTooManyRequests, err.Error())
			return
		}
		WriteErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrSessionNotFound):
		WriteErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, presence.ErrNotFound):
		WriteErrorResponse(w, http.StatusNotFound, err.Error())
	default:
		WriteErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}
