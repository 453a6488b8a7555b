package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"form-courier/internal/models"
	"form-courier/internal/schedules"
)

// handleScheduleCreate stores a cron schedule that starts a batch on every tick.
//
// Method: POST
// Path:   /schedules
// Example:
//
//	curl -X POST localhost:8080/schedules -d '{"name":"weekly","company_ids":[1,2],"template_id":3,"cron_expression":"0 9 * * 1"}'
func (s *server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req schedules.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	sc, err := s.schedules.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, sc, http.StatusCreated)
}

// handleScheduleList pages through schedules, newest first.
//
// Method: GET
// Path:   /schedules?enabled=true&page=1&per_page=20
func (s *server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var enabled *bool
	if raw := q.Get("enabled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, models.NewJobError(models.ErrorKindValidation, "enabled must be true or false"))
			return
		}
		enabled = &v
	}
	page, ok := s.intParam(w, q.Get("page"), "page", 1)
	if !ok {
		return
	}
	perPage, ok := s.intParam(w, q.Get("per_page"), "per_page", 20)
	if !ok {
		return
	}
	res, err := s.schedules.List(r.Context(), enabled, page, perPage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (s *server) intParam(w http.ResponseWriter, raw, name string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		s.writeError(w, models.NewJobError(models.ErrorKindValidation, "%s must be a positive integer", name))
		return 0, false
	}
	return v, true
}

// handleScheduleStats counts schedules and lists the next and last to run.
//
// Method: GET
// Path:   /schedules/stats
func (s *server) handleScheduleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.schedules.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, st, http.StatusOK)
}

// Method: GET
// Path:   /schedules/{id}
func (s *server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.schedules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, sc, http.StatusOK)
}

// handleScheduleUpdate changes the fields present in the body.
//
// Method: PUT
// Path:   /schedules/{id}
// Example:
//
//	curl -X PUT localhost:8080/schedules/$ID -d '{"cron_expression":"0 10 * * 1"}'
func (s *server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var req schedules.UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	sc, err := s.schedules.Update(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, sc, http.StatusOK)
}

// Method: DELETE
// Path:   /schedules/{id}
func (s *server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, actionResponse{Success: true, Message: "schedule deleted"}, http.StatusOK)
}

// handleScheduleEnable turns a schedule on or off.
//
// Method: POST
// Path:   /schedules/{id}/enable, /schedules/{id}/disable
func (s *server) handleScheduleEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := s.schedules.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, sc, http.StatusOK)
	}
}

// handleScheduleRun starts the schedule's batch now without moving its next run.
//
// Method: POST
// Path:   /schedules/{id}/run
func (s *server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedules.RunNow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, taskCreated{TaskID: job.ID, Status: job.Status, Warnings: job.Warnings}, http.StatusAccepted)
}
