package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/craftvisor/internal/schedule"
	"github.com/loykin/craftvisor/internal/store"
)

type scheduleJSON struct {
	ID             int64     `json:"id"`
	ServerID       int64     `json:"server_id"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name"`
	Action         string    `json:"action"`
	Command        string    `json:"command,omitempty"`
	Interval       int       `json:"interval,omitempty"`
	IntervalType   string    `json:"interval_type"`
	CronExpression string    `json:"cron_expression,omitempty"`
	StartTime      time.Time `json:"start_time,omitempty"`
	Enabled        bool      `json:"enabled"`
	OneTime        bool      `json:"one_time"`
	ParentID       *int64    `json:"parent_schedule_id,omitempty"`
	DelaySeconds   int       `json:"delay_seconds,omitempty"`
}

func toScheduleJSON(s store.Schedule) scheduleJSON {
	return scheduleJSON{
		ID: s.ID, ServerID: s.ServerID, UserID: s.UserID, Name: s.Name, Action: s.Action,
		Command: s.Command, Interval: s.Interval, IntervalType: s.IntervalType,
		CronExpression: s.CronExpression, StartTime: s.StartTime, Enabled: s.Enabled,
		OneTime: s.OneTime, ParentID: s.ParentID, DelaySeconds: s.DelaySeconds,
	}
}

func (j scheduleJSON) schedule() store.Schedule {
	return store.Schedule{
		ID: j.ID, ServerID: j.ServerID, UserID: j.UserID, Name: j.Name, Action: j.Action,
		Command: j.Command, Interval: j.Interval, IntervalType: j.IntervalType,
		CronExpression: j.CronExpression, StartTime: j.StartTime, Enabled: j.Enabled,
		OneTime: j.OneTime, ParentID: j.ParentID, DelaySeconds: j.DelaySeconds,
	}
}

func (r *Router) bindSchedule(c *gin.Context) (store.Schedule, bool) {
	var req scheduleJSON
	if !bindJSON(c, &req) {
		return store.Schedule{}, false
	}
	if _, ok := r.deps.Servers.Get(req.ServerID); !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown server"})
		return store.Schedule{}, false
	}
	if _, err := schedule.TriggerOf(req.schedule()); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return store.Schedule{}, false
	}
	return req.schedule(), true
}

func (r *Router) schedulesEnabled(c *gin.Context) bool {
	if r.deps.Schedules == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "scheduler disabled"})
		return false
	}
	return true
}

func (r *Router) handleListSchedules(c *gin.Context) {
	list, err := r.deps.Repo.ListSchedules(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]scheduleJSON, 0, len(list))
	for _, s := range list {
		out = append(out, toScheduleJSON(s))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleEntries(c *gin.Context) {
	if !r.schedulesEnabled(c) {
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Schedules.Entries())
}

func (r *Router) handleCreateSchedule(c *gin.Context) {
	if !r.schedulesEnabled(c) {
		return
	}
	s, ok := r.bindSchedule(c)
	if !ok {
		return
	}
	s.ID = 0
	id, err := r.deps.Schedules.Create(c.Request.Context(), s)
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	s.ID = id
	writeJSON(c, http.StatusCreated, toScheduleJSON(s))
}

func (r *Router) handleUpdateSchedule(c *gin.Context) {
	if !r.schedulesEnabled(c) {
		return
	}
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid schedule id"})
		return
	}
	s, ok := r.bindSchedule(c)
	if !ok {
		return
	}
	s.ID = id
	if err := r.deps.Schedules.Update(c.Request.Context(), s); err != nil {
		writeScheduleError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeleteSchedule(c *gin.Context) {
	if !r.schedulesEnabled(c) {
		return
	}
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid schedule id"})
		return
	}
	if err := r.deps.Schedules.Delete(c.Request.Context(), id); err != nil {
		writeScheduleError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func writeScheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, schedule.ErrRegistration):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
