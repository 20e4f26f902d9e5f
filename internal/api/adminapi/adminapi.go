package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"checkinbox/internal/models"
	"checkinbox/internal/services/monitor"
	"checkinbox/internal/services/scheduler"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage"
)

// AdminAPI is the worker's management surface: accounts, scheduled tasks,
// monitor tasks, shared locations and manual sign kicks.
type AdminAPI struct {
	store     storage.Store
	signer    *signer.Signer
	scheduler *scheduler.Scheduler
	monitor   *monitor.Manager
	log       *slog.Logger
}

func New(store storage.Store, sg *signer.Signer, sc *scheduler.Scheduler, mn *monitor.Manager, log *slog.Logger) *AdminAPI {
	return &AdminAPI{store: store, signer: sg, scheduler: sc, monitor: mn, log: log}
}

func (a *AdminAPI) Mount(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", a.listAccounts)
		r.Post("/", a.saveAccount)
		r.Delete("/{phone}", a.deleteAccount)
		r.Post("/{phone}/login", a.login)
		r.Post("/{phone}/sign", a.signNow)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", a.listTasks)
		r.Post("/", a.createTask)
		r.Put("/{id}", a.updateTask)
		r.Delete("/{id}", a.deleteTask)
		r.Post("/{id}/run", a.runTask)
	})
	r.Route("/monitors", func(r chi.Router) {
		r.Get("/", a.listMonitors)
		r.Post("/", a.saveMonitor)
		r.Delete("/{id}", a.deleteMonitor)
		r.Post("/{id}/start", a.startMonitor)
		r.Post("/{id}/stop", a.stopMonitor)
	})
	r.Route("/locations", func(r chi.Router) {
		r.Get("/", a.listLocations)
		r.Put("/", a.saveLocations)
	})
}

func (a *AdminAPI) listAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := a.store.LoadAccounts(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	// Пароли и токены наружу не отдаём.
	type view struct {
		Phone    string `json:"phone"`
		Username string `json:"username,omitempty"`
		Active   bool   `json:"active"`
		HasAuth  bool   `json:"hasAuth"`
		Presets  int    `json:"presets"`
	}
	out := make([]view, 0, len(accts))
	for _, acc := range accts {
		out = append(out, view{
			Phone:    acc.Phone,
			Username: acc.Username,
			Active:   acc.Active,
			HasAuth:  acc.Credentials.Complete(),
			Presets:  len(acc.Presets),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *AdminAPI) saveAccount(w http.ResponseWriter, r *http.Request) {
	var acct models.Account
	if err := json.NewDecoder(r.Body).Decode(&acct); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if acct.Phone == "" {
		writeMsg(w, http.StatusBadRequest, "phone is required")
		return
	}
	if err := a.store.SaveAccount(r.Context(), acct); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": acct.Phone})
}

func (a *AdminAPI) deleteAccount(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := a.store.DeleteAccount(r.Context(), phone); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": phone})
}

func (a *AdminAPI) login(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	acct, ok, err := storage.FindAccount(r.Context(), a.store, phone)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeMsg(w, http.StatusNotFound, "account not found")
		return
	}
	acct, err = a.signer.Login(r.Context(), acct)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phone":    acct.Phone,
		"username": acct.Username,
		"hasAuth":  acct.Credentials.Complete(),
	})
}

type signRequest struct {
	SignCode     string            `json:"signCode,omitempty"`
	Enc          string            `json:"enc,omitempty"`
	Location     *models.GeoPreset `json:"location,omitempty"`
	RandomOffset bool              `json:"randomOffset,omitempty"`
}

func (a *AdminAPI) signNow(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	var req signRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}
	out, err := a.signer.AttemptByPhone(r.Context(), phone, signer.Request{
		Source:       "manual",
		SignCode:     req.SignCode,
		Enc:          req.Enc,
		Location:     req.Location,
		RandomOffset: req.RandomOffset,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *AdminAPI) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.LoadScheduledTasks(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *AdminAPI) createTask(w http.ResponseWriter, r *http.Request) {
	var task models.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	task, err := a.scheduler.Create(r.Context(), task)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *AdminAPI) updateTask(w http.ResponseWriter, r *http.Request) {
	var task models.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	task.ID = chi.URLParam(r, "id")
	if err := a.scheduler.Update(r.Context(), task); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *AdminAPI) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.scheduler.Delete(r.Context(), id); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *AdminAPI) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.scheduler.RunNow(r.Context(), id); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ran": id})
}

func (a *AdminAPI) listMonitors(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.LoadMonitorTasks(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	type view struct {
		models.MonitorTask
		Running bool `json:"running"`
	}
	out := make([]view, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, view{MonitorTask: t, Running: a.monitor.Running(t.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *AdminAPI) saveMonitor(w http.ResponseWriter, r *http.Request) {
	var task models.MonitorTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if task.Phone == "" {
		writeMsg(w, http.StatusBadRequest, "phone is required")
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	err := a.store.MutateMonitorTasks(r.Context(), func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
		for i := range tasks {
			if tasks[i].ID == task.ID {
				tasks[i] = task
				return tasks, nil
			}
		}
		return append(tasks, task), nil
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *AdminAPI) deleteMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.monitor.Stop(id)

	err := a.store.MutateMonitorTasks(r.Context(), func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		return kept, nil
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *AdminAPI) startMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tasks, err := a.store.LoadMonitorTasks(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	for _, t := range tasks {
		if t.ID == id {
			// Воркер должен пережить этот HTTP-запрос.
			a.monitor.Start(context.WithoutCancel(r.Context()), t)
			writeJSON(w, http.StatusOK, map[string]any{"started": id})
			return
		}
	}
	writeMsg(w, http.StatusNotFound, "monitor task not found")
}

func (a *AdminAPI) stopMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.monitor.Stop(id)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

func (a *AdminAPI) listLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := a.store.LoadLocations(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, locs)
}

func (a *AdminAPI) saveLocations(w http.ResponseWriter, r *http.Request) {
	var locs []models.GeoPreset
	if err := json.NewDecoder(r.Body).Decode(&locs); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := a.store.SaveLocations(r.Context(), locs); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(locs)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
