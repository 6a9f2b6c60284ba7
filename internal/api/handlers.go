// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/rollcall-app/rollcall/internal/auth"
	"github.com/rollcall-app/rollcall/internal/checkin"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/middleware"
	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/realtime"
	"github.com/rollcall-app/rollcall/internal/scancode"
	"github.com/rollcall-app/rollcall/internal/store"
)

// validate checks request payloads against their struct tags.
var validate = validator.New()

// Handler implements the HTTP endpoints.
type Handler struct {
	store   store.Store
	arbiter *checkin.Arbiter
	auth    *auth.Service
	mux     *realtime.Multiplexer
}

// NewHandler builds the endpoint set.
func NewHandler(st store.Store, arbiter *checkin.Arbiter, authSvc *auth.Service, mux *realtime.Multiplexer) *Handler {
	return &Handler{store: st, arbiter: arbiter, auth: authSvc, mux: mux}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"max=120"`
	Password    string `json:"password" validate:"required,min=8,max=256"`
}

// Register creates a user account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.auth.Register(r.Context(), req.Email, req.DisplayName, req.Password)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "email and password are required")
	case err != nil:
		writeInternalError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, user)
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges credentials for a session token. Throttled attempts get
// 429 with a Retry-After header.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	var throttled *auth.ThrottledError
	switch {
	case errors.As(err, &throttled):
		secs := int(throttled.Wait.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, throttled.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	case err != nil:
		writeInternalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, session)
	}
}

type checkInRequest struct {
	Code       string `json:"code" validate:"required,max=2048"`
	Visibility string `json:"visibility" validate:"omitempty,oneof=public private"`

	// Client-reported position. Optional; both coordinates or neither.
	Latitude       *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude      *float64 `json:"longitude" validate:"omitempty,longitude"`
	AccuracyMeters float64  `json:"accuracy_meters" validate:"omitempty,gte=0"`
}

// CreateCheckIn runs check-in arbitration for the authenticated user.
func (h *Handler) CreateCheckIn(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if (req.Latitude == nil) != (req.Longitude == nil) {
		writeError(w, http.StatusBadRequest, "latitude and longitude must be supplied together")
		return
	}
	var sample *models.LocationSample
	if req.Latitude != nil {
		sample = &models.LocationSample{
			Latitude:       *req.Latitude,
			Longitude:      *req.Longitude,
			AccuracyMeters: req.AccuracyMeters,
			CapturedAt:     time.Now(),
		}
	}

	outcome, err := h.arbiter.AttemptCheckInAt(r.Context(), claims.Subject, req.Code, models.VisibilityMode(req.Visibility), sample)
	if err != nil {
		writeCheckInError(w, r, err)
		return
	}

	status := http.StatusCreated
	if outcome.Status == checkin.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

// writeCheckInError maps arbitration failures onto the HTTP surface.
func writeCheckInError(w http.ResponseWriter, r *http.Request, err error) {
	var tooFar *store.TooFarError
	switch {
	case errors.As(err, &tooFar):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":           "outside event geofence",
			"distance_meters": tooFar.DistanceMeters,
			"radius_meters":   tooFar.RadiusMeters,
		})
	case errors.Is(err, scancode.ErrUnresolvable), errors.Is(err, store.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, scancode.ErrAmbiguous):
		writeError(w, http.StatusConflict, "code matches more than one event")
	case errors.Is(err, store.ErrEventInactive):
		writeError(w, http.StatusGone, "event is not active")
	case errors.Is(err, store.ErrLocationRequired):
		writeError(w, http.StatusBadRequest, "location required for this check-in")
	case errors.Is(err, checkin.ErrInvalidVisibility):
		writeError(w, http.StatusBadRequest, "visibility must be public or private")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		writeError(w, http.StatusServiceUnavailable, "check-in temporarily unavailable")
	default:
		writeInternalError(w, r, err)
	}
}

// GetEvent returns an event with its geofence. The access code never
// leaves the server through this endpoint.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	rows, err := h.store.Get(r.Context(), models.TableEvents, store.Filter{Column: "id", Value: eventID})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	var event models.Event
	if err := decodeRow(rows[0], &event); err != nil {
		writeInternalError(w, r, err)
		return
	}
	event.AccessCode = ""

	var loc models.EventLocation
	locRows, err := h.store.Get(r.Context(), models.TableLocations, store.Filter{Column: "event_id", Value: eventID})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if len(locRows) > 0 {
		if err := decodeRow(locRows[0], &loc); err != nil {
			writeInternalError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event":    event,
		"location": loc,
	})
}

// attendeeView is one row of the attendee list. Private check-ins are
// anonymized for everyone but their owner.
type attendeeView struct {
	UserID       string                    `json:"user_id,omitempty"`
	CheckedInAt  time.Time                 `json:"checked_in_at"`
	Visibility   models.VisibilityMode     `json:"visibility"`
	Verification models.VerificationMethod `json:"verification"`
}

// EventAttendees lists live check-ins for an event.
func (h *Handler) EventAttendees(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	claims := middleware.ClaimsFrom(r.Context())

	eventRows, err := h.store.Get(r.Context(), models.TableEvents, store.Filter{Column: "id", Value: eventID})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if len(eventRows) == 0 {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	rows, err := h.store.Get(r.Context(), models.TableCheckIns, store.Filter{Column: "event_id", Value: eventID})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	attendees := make([]attendeeView, 0, len(rows))
	for _, row := range rows {
		var ci models.CheckIn
		if err := decodeRow(row, &ci); err != nil {
			logger := logging.Ctx(r.Context())
			logger.Warn().Err(err).Msg("skipping malformed check-in row")
			continue
		}
		if ci.Cancelled {
			continue
		}
		view := attendeeView{
			UserID:       ci.UserID,
			CheckedInAt:  ci.CheckedInAt,
			Visibility:   ci.Visibility,
			Verification: ci.Verification,
		}
		if ci.Visibility == models.VisibilityPrivate && (claims == nil || claims.Subject != ci.UserID) {
			view.UserID = ""
		}
		attendees = append(attendees, view)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":       eventID,
		"attendee_count": len(attendees),
		"attendees":      attendees,
	})
}

// decodeJSON parses and validates a request body, writing the error
// response itself when the payload is bad.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

// decodeRow converts a store row into a typed struct.
func decodeRow(row store.Row, out any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.Ctx(r.Context())
	logger.Error().Err(err).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
