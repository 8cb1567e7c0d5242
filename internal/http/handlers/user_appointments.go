package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/cancellation"
	"github.com/wolfman30/appointment-sync/internal/directory"
	"github.com/wolfman30/appointment-sync/internal/notify"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// User-facing texts returned alongside cancel results for the bot to show.
const (
	msgCancelled        = "✅ Запись была отменена."
	msgAlreadyCancelled = "ℹ️ Эта запись уже отменена."
	msgNotFound         = "❌ Запись не найдена или не принадлежит вам."
	msgWindowElapsed    = "❌ Время для отмены записи истекло. Отменить запись можно по телефону 122."
	msgMissingBookID    = "❌ Не удалось отменить запись: отсутствует идентификатор записи во внешней системе.\nПопробуйте отменить запись по телефону 122."
	msgCancelDisabled   = "❌ Сервис отмены временно недоступен. Попробуйте позже."
	msgCancelRejected   = "❌ Не удалось отменить запись во внешней системе. Попробуйте позже."
	msgCancelFailed     = "❌ Не удалось отменить запись."
)

// AppointmentLister lists a user's appointments.
type AppointmentLister interface {
	ListActive(ctx context.Context, userID int64, limit int) ([]appointments.Appointment, error)
}

// AppointmentCanceller runs the user cancel flow.
type AppointmentCanceller interface {
	CancelByUser(ctx context.Context, apptID, userID int64) (*cancellation.Outcome, error)
}

// Preferences stores per-user reminder settings and delivery address.
type Preferences interface {
	RemindersEnabled(ctx context.Context, userID int64) (bool, error)
	SetRemindersEnabled(ctx context.Context, userID int64, enabled bool) error
	SetLastChatID(ctx context.Context, userID, chatID int64) error
}

// UserAppointmentsHandler serves the bot-facing endpoints under /v1.
type UserAppointmentsHandler struct {
	appointments AppointmentLister
	cancel       AppointmentCanceller
	prefs        Preferences
	listLimit    int
	logger       *logging.Logger
}

// NewUserAppointmentsHandler creates the bot-facing handler. listLimit
// defaults to 10.
func NewUserAppointmentsHandler(list AppointmentLister, cancel AppointmentCanceller, prefs Preferences, listLimit int, logger *logging.Logger) *UserAppointmentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if listLimit <= 0 {
		listLimit = 10
	}
	return &UserAppointmentsHandler{
		appointments: list,
		cancel:       cancel,
		prefs:        prefs,
		listLimit:    listLimit,
		logger:       logger,
	}
}

// Routes mounts the bot-facing endpoints on r.
func (h *UserAppointmentsHandler) Routes(r chi.Router) {
	r.Get("/users/{userID}/appointments", h.ListAppointments)
	r.Post("/users/{userID}/appointments/{appointmentID}/cancel", h.CancelAppointment)
	r.Get("/users/{userID}/reminders", h.GetReminders)
	r.Put("/users/{userID}/reminders", h.SetReminders)
	r.Put("/users/{userID}/chat", h.SetChat)
	r.Post("/callbacks", h.Callback)
}

// ListAppointments returns the user's active appointments.
// GET /v1/users/{userID}/appointments?limit=N
func (h *UserAppointmentsHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := h.listLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			jsonError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.appointments.ListActive(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list appointments", "error", err, "user_id", userID)
		jsonError(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": list})
}

// CancelAppointment cancels one of the user's appointments in the MIS and locally.
// POST /v1/users/{userID}/appointments/{appointmentID}/cancel
func (h *UserAppointmentsHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	apptID, err := int64Param(r, "appointmentID")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.cancelAndRespond(w, r, apptID, userID)
}

type callbackRequest struct {
	UserID  int64  `json:"user_id"`
	ChatID  int64  `json:"chat_id"`
	Payload string `json:"payload"`
}

// Callback handles an inline button press forwarded by the bot. The chat id
// is remembered as the user's delivery address.
// POST /v1/callbacks
func (h *UserAppointmentsHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.ChatID != 0 {
		if err := h.prefs.SetLastChatID(r.Context(), req.UserID, req.ChatID); err != nil && !errors.Is(err, directory.ErrUserNotFound) {
			h.logger.Warn("failed to record chat id", "error", err, "user_id", req.UserID)
		}
	}

	apptID, ok := notify.ParseCancelPayload(req.Payload)
	if !ok {
		jsonError(w, "unsupported payload", http.StatusUnprocessableEntity)
		return
	}
	h.cancelAndRespond(w, r, apptID, req.UserID)
}

func (h *UserAppointmentsHandler) cancelAndRespond(w http.ResponseWriter, r *http.Request, apptID, userID int64) {
	out, err := h.cancel.CancelByUser(r.Context(), apptID, userID)
	if err != nil {
		status, message := cancelFailure(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("appointment cancel failed", "error", err, "appointment_id", apptID, "user_id", userID)
		} else {
			h.logger.Info("appointment cancel refused", "error", err, "appointment_id", apptID, "user_id", userID)
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "message": message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appointment": out.Appointment,
		"mis_status":  out.MISStatus,
		"message":     msgCancelled,
	})
}

func cancelFailure(err error) (int, string) {
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, appointments.ErrAlreadyCancelled):
		return http.StatusConflict, msgAlreadyCancelled
	case errors.Is(err, appointments.ErrCancelWindowElapsed):
		return http.StatusConflict, msgWindowElapsed
	case errors.Is(err, cancellation.ErrMissingBookID):
		return http.StatusUnprocessableEntity, msgMissingBookID
	case errors.Is(err, cancellation.ErrNotConfigured):
		return http.StatusServiceUnavailable, msgCancelDisabled
	case errors.Is(err, cancellation.ErrRejected):
		return http.StatusBadGateway, msgCancelRejected
	default:
		return http.StatusInternalServerError, msgCancelFailed
	}
}

type remindersRequest struct {
	Enabled *bool `json:"enabled"`
}

// GetReminders returns the user's reminder preference.
// GET /v1/users/{userID}/reminders
func (h *UserAppointmentsHandler) GetReminders(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	enabled, err := h.prefs.RemindersEnabled(r.Context(), userID)
	if err != nil {
		h.prefsError(w, err, userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// SetReminders turns reminders on or off for the user.
// PUT /v1/users/{userID}/reminders
func (h *UserAppointmentsHandler) SetReminders(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req remindersRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		jsonError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := h.prefs.SetRemindersEnabled(r.Context(), userID, *req.Enabled); err != nil {
		h.prefsError(w, err, userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

type chatRequest struct {
	ChatID int64 `json:"chat_id"`
}

// SetChat records the chat the user last wrote from.
// PUT /v1/users/{userID}/chat
func (h *UserAppointmentsHandler) SetChat(w http.ResponseWriter, r *http.Request) {
	userID, err := int64Param(r, "userID")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ChatID == 0 {
		jsonError(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	if err := h.prefs.SetLastChatID(r.Context(), userID, req.ChatID); err != nil {
		h.prefsError(w, err, userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"chat_id": req.ChatID})
}

func (h *UserAppointmentsHandler) prefsError(w http.ResponseWriter, err error, userID int64) {
	if errors.Is(err, directory.ErrUserNotFound) {
		jsonError(w, "user not found", http.StatusNotFound)
		return
	}
	h.logger.Error("preference update failed", "error", err, "user_id", userID)
	jsonError(w, "internal error", http.StatusInternalServerError)
}
