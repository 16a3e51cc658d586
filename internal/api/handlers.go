package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/availability"
	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
)

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+toSnake(name), name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func dateParam(w http.ResponseWriter, svc *availability.Service, raw string) (calendar.Date, bool) {
	d, err := svc.Zone().ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return calendar.Date{}, false
	}
	return d, true
}

func toSnake(param string) string {
	switch param {
	case "doctorID":
		return "doctor_id"
	case "patientID":
		return "patient_id"
	case "slotID":
		return "slot_id"
	}
	return param
}

func getScheduleHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}

		cfg, err := svc.GetScheduleConfig(r.Context(), doctorID)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toScheduleResponse(doctorID, cfg))
	}
}

func putScheduleHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}

		var req ScheduleConfigRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		cfg, err := req.toConfig()
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		saved, err := svc.SetScheduleConfig(r.Context(), doctorID, cfg)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toScheduleResponse(doctorID, saved))
	}
}

func markAvailableHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}

		var req MarkAvailableRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		dates := make([]calendar.Date, 0, len(req.Dates))
		for _, raw := range req.Dates {
			d, ok := dateParam(w, svc, raw)
			if !ok {
				return
			}
			dates = append(dates, d)
		}

		out, err := svc.MarkDatesAvailable(r.Context(), doctorID, dates, req.SlotDurationMinutes)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toDateResponses(out))
	}
}

func listAvailabilityHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}
		if _, err := svc.GetScheduleConfig(r.Context(), doctorID); err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		dates, err := svc.ListAvailableDates(r.Context(), doctorID)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toDateResponses(dates))
	}
}

func nextAvailableHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}
		if _, err := svc.GetScheduleConfig(r.Context(), doctorID); err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		today, err := svc.IsAvailableToday(r.Context(), doctorID)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}
		next, err := svc.NextAvailableDate(r.Context(), doctorID)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		resp := NextAvailableResponse{
			DoctorID:       doctorID,
			Today:          svc.Zone().Today().String(),
			AvailableToday: today,
		}
		if next != nil {
			s := next.String()
			resp.NextAvailableDate = &s
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func slotsForDateHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}
		date, ok := dateParam(w, svc, chi.URLParam(r, "date"))
		if !ok {
			return
		}
		if _, err := svc.GetScheduleConfig(r.Context(), doctorID); err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		slots, err := svc.SlotsForDate(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, DateSlotsResponse{
			DoctorID: doctorID,
			Date:     date.String(),
			Slots:    toSlotResponses(slots),
		})
	}
}

func bookSlotHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}
		date, ok := dateParam(w, svc, chi.URLParam(r, "date"))
		if !ok {
			return
		}
		slotID, ok := uuidParam(w, r, "slotID")
		if !ok {
			return
		}

		var req BookSlotRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		patientID := uuid.MustParse(req.PatientID)

		slot, err := svc.BookSlot(r.Context(), doctorID, patientID, slotID, date)
		if err != nil {
			if errors.Is(err, availability.ErrSlotNotAvailable) {
				writeSlotConflict(w, r, svc, log, doctorID, date, err)
				return
			}
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotResponse(*slot))
	}
}

// writeSlotConflict answers a lost booking with the date's current slots.
func writeSlotConflict(w http.ResponseWriter, r *http.Request, svc *availability.Service, log *zap.Logger, doctorID uuid.UUID, date calendar.Date, cause error) {
	slots, err := svc.SlotsForDate(r.Context(), doctorID, date)
	if err != nil {
		log.Warn("failed to load slots for conflict response",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		slots = nil
	}

	writeJSON(w, http.StatusConflict, SlotConflictResponse{
		ErrorResponse: ErrorResponse{Error: "slot_not_available", Details: cause.Error()},
		Date:          date.String(),
		Slots:         toSlotResponses(slots),
	})
}

func cancelSlotHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return slotActionHandler(svc, log, svc.CancelSlot)
}

func releaseSlotHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return slotActionHandler(svc, log, svc.ReleaseSlot)
}

type slotAction func(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID) (*availability.Slot, error)

func slotActionHandler(svc *availability.Service, log *zap.Logger, action slotAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}
		date, ok := dateParam(w, svc, chi.URLParam(r, "date"))
		if !ok {
			return
		}
		slotID, ok := uuidParam(w, r, "slotID")
		if !ok {
			return
		}

		slot, err := action(r.Context(), doctorID, date, slotID)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotResponse(*slot))
	}
}

func cancelAllHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}
		date, ok := dateParam(w, svc, chi.URLParam(r, "date"))
		if !ok {
			return
		}

		a, err := svc.CancelAllSlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toDateResponse(*a))
	}
}

func doctorBookingsHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}

		var date *calendar.Date
		if raw := r.URL.Query().Get("date"); raw != "" {
			d, ok := dateParam(w, svc, raw)
			if !ok {
				return
			}
			date = &d
		}

		bookings, err := svc.ListDoctorBookings(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponses(bookings))
	}
}

func patientBookingsHandler(svc *availability.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := uuidParam(w, r, "patientID")
		if !ok {
			return
		}

		bookings, err := svc.ListPatientBookings(r.Context(), patientID)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponses(bookings))
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, availability.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, availability.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, availability.ErrDateNotFound):
		writeError(w, http.StatusNotFound, "date_not_found", err.Error())
	case errors.Is(err, availability.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, availability.ErrSlotNotAvailable):
		writeError(w, http.StatusConflict, "slot_not_available", err.Error())
	case errors.Is(err, availability.ErrDateInPast):
		writeError(w, http.StatusConflict, "date_in_past", err.Error())
	case errors.Is(err, availability.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, availability.ErrNoScheduleConfigured):
		writeError(w, http.StatusUnprocessableEntity, "no_schedule_configured", err.Error())
	case errors.Is(err, availability.ErrInvalidScheduleConfig):
		writeError(w, http.StatusUnprocessableEntity, "invalid_schedule_config", err.Error())
	case errors.Is(err, availability.ErrNoDates):
		writeError(w, http.StatusBadRequest, "no_dates", err.Error())
	default:
		log.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
