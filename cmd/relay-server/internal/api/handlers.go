// Package api provides HTTP handlers for the relay server REST API.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
)

// Handler holds dependencies for API handlers.
//
// The broker client and lock renewer are optional: store-and-forward
// deployments run without them and the stats endpoint simply omits the
// broker sections.
type Handler struct {
	admitter            *relay.Admitter
	registrationManager *relay.RegistrationManager
	messageRepo         relay.MessageRepository
	registrationRepo    relay.RegistrationRepository
	client              relay.BrokerClient
	renewer             *relay.LockRenewer
	logger              relay.Logger
}

// NewHandler creates a new API handler. client and renewer may be nil for
// store-and-forward deployments.
func NewHandler(
	admitter *relay.Admitter,
	registrationManager *relay.RegistrationManager,
	messageRepo relay.MessageRepository,
	registrationRepo relay.RegistrationRepository,
	client relay.BrokerClient,
	renewer *relay.LockRenewer,
	logger relay.Logger,
) *Handler {
	return &Handler{
		admitter:            admitter,
		registrationManager: registrationManager,
		messageRepo:         messageRepo,
		registrationRepo:    registrationRepo,
		client:              client,
		renewer:             renewer,
		logger:              logger,
	}
}

// AdmitRequest represents a message admission request.
type AdmitRequest struct {
	InterfaceName      string        `json:"interfaceName"`
	ProducerName       string        `json:"producerName"`
	ProducerInstanceID string        `json:"producerInstanceID"`
	Payload            model.Payload `json:"payload"`
}

// RegisterRequest represents a registration creation request.
type RegisterRequest struct {
	InterfaceName string `json:"interfaceName"`
	AdapterName   string `json:"adapterName"`
	InstanceID    string `json:"instanceID"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// InterfaceStats describes one interface in the stats response.
type InterfaceStats struct {
	InterfaceName string             `json:"interfaceName"`
	PendingCount  int                `json:"pendingCount"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// SubscriptionInfo describes one destination subscription in the stats
// response. DeadLetterCount is only populated on broker transports.
type SubscriptionInfo struct {
	SubscriptionName string `json:"subscriptionName"`
	DeadLetterCount  int    `json:"deadLetterCount,omitempty"`
}

// StatsResponse is the GET /api/v1/stats payload.
type StatsResponse struct {
	Interfaces          []InterfaceStats `json:"interfaces"`
	LockRenewalFailures int64            `json:"lockRenewalFailures"`
	Timestamp           time.Time        `json:"timestamp"`
}

// HandleAdmit handles POST /api/v1/admit
func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	if req.InterfaceName == "" {
		h.respondError(w, http.StatusBadRequest, "interfaceName is required", "VALIDATION_ERROR")
		return
	}

	result, err := h.admitter.Admit(r.Context(), relay.AdmitRequest{
		InterfaceName:      req.InterfaceName,
		ProducerName:       req.ProducerName,
		ProducerInstanceID: req.ProducerInstanceID,
		Payload:            req.Payload,
	})
	if err != nil {
		h.logger.Errorf("Failed to admit message: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to admit message", "ADMIT_ERROR")
		return
	}

	if result.Duplicate {
		h.respondSuccess(w, http.StatusOK, result, "Duplicate submission, existing message returned")
		return
	}
	h.respondSuccess(w, http.StatusCreated, result, "Message admitted successfully")
}

// HandleRegister handles POST /api/v1/registrations
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	if req.InterfaceName == "" || req.AdapterName == "" || req.InstanceID == "" {
		h.respondError(w, http.StatusBadRequest, "interfaceName, adapterName and instanceID are required", "VALIDATION_ERROR")
		return
	}

	registration, err := h.registrationManager.Register(r.Context(), relay.RegisterRequest{
		InterfaceName: req.InterfaceName,
		AdapterName:   req.AdapterName,
		InstanceID:    req.InstanceID,
	})
	if err != nil {
		h.logger.Errorf("Failed to create registration: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to create registration", "REGISTER_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusCreated, registration, "Registration created successfully")
}

// HandleListRegistrations handles GET /api/v1/registrations?interface=<name>
func (h *Handler) HandleListRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	interfaceName := r.URL.Query().Get("interface")
	if interfaceName == "" {
		h.respondError(w, http.StatusBadRequest, "interface query parameter is required", "VALIDATION_ERROR")
		return
	}

	registrations, err := h.registrationManager.List(r.Context(), interfaceName)
	if err != nil {
		h.logger.Errorf("Failed to list registrations: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list registrations", "LIST_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, registrations, "")
}

// HandleDeregister handles DELETE /api/v1/registrations/:id
func (h *Handler) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	// Extract registration ID from path (simple parsing)
	// In production, use a router like gorilla/mux or chi
	pathParts := splitPath(r.URL.Path)
	if len(pathParts) < 4 {
		h.respondError(w, http.StatusBadRequest, "Invalid registration ID", "INVALID_ID")
		return
	}
	registrationID := pathParts[3]

	registration, err := h.registrationManager.Deregister(r.Context(), registrationID)
	if err != nil {
		if relay.IsNoData(err) {
			h.respondError(w, http.StatusNotFound, "Registration not found", "NOT_FOUND")
			return
		}
		h.logger.Errorf("Failed to deregister: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to deregister", "DEREGISTER_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, registration, "Registration deactivated successfully")
}

// HandleStats handles GET /api/v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	ctx := r.Context()

	stats := StatsResponse{
		Interfaces: []InterfaceStats{},
		Timestamp:  time.Now().UTC(),
	}
	if h.renewer != nil {
		stats.LockRenewalFailures = h.renewer.RenewalFailures()
	}

	registrations, err := h.registrationRepo.FindAllActive(ctx)
	if err != nil && !relay.IsNoData(err) {
		h.logger.Errorf("Failed to load registrations for stats: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to gather stats", "STATS_ERROR")
		return
	}

	byInterface := make(map[string][]model.Registration)
	for _, reg := range registrations {
		byInterface[reg.InterfaceName] = append(byInterface[reg.InterfaceName], reg)
	}

	for interfaceName, regs := range byInterface {
		pending, err := h.messageRepo.CountPending(ctx, interfaceName)
		if err != nil {
			h.logger.Warnf("Failed to count pending messages for %s: %v", interfaceName, err)
		}

		entry := InterfaceStats{
			InterfaceName: interfaceName,
			PendingCount:  pending,
			Subscriptions: []SubscriptionInfo{},
		}

		for _, reg := range regs {
			info := SubscriptionInfo{SubscriptionName: reg.SubscriptionName()}
			if h.client != nil {
				count, err := h.client.DeadLetterCount(ctx, interfaceName, reg.SubscriptionName())
				if err != nil {
					h.logger.Warnf("Failed to count dead letters for %s/%s: %v",
						interfaceName, reg.SubscriptionName(), err)
				} else {
					info.DeadLetterCount = count
				}
			}
			entry.Subscriptions = append(entry.Subscriptions, info)
		}

		stats.Interfaces = append(stats.Interfaces, entry)
	}

	h.respondSuccess(w, http.StatusOK, stats, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "0.1.0",
	}

	h.respondSuccess(w, http.StatusOK, health, "")
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// splitPath splits URL path into non-empty segments.
func splitPath(path string) []string {
	parts := []string{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
