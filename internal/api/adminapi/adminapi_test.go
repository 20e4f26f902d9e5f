package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"checkinbox/internal/models"
	"checkinbox/internal/services/monitor"
	"checkinbox/internal/services/scheduler"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage/memstore"
)

type fakeAttempter struct{}

func (fakeAttempter) AttemptByPhone(ctx context.Context, phone string, req signer.Request) (models.Outcome, error) {
	return models.NewOutcome(models.OutcomeNoActivity, "no open check-ins"), nil
}

func newTestAPI(t *testing.T) (*memstore.Storage, http.Handler, *monitor.Manager) {
	t.Helper()

	store := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sg := signer.New(store, log)
	sc := scheduler.New(store, fakeAttempter{}, log)
	mn := monitor.New(store, fakeAttempter{}, log)
	t.Cleanup(mn.StopAll)

	r := chi.NewRouter()
	New(store, sg, sc, mn, log).Mount(r)
	return store, r, mn
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAccounts_ListHidesSecrets(t *testing.T) {
	store, h, _ := newTestAPI(t)

	require.NoError(t, store.SaveAccount(context.Background(), models.Account{
		Phone:       "13800000000",
		Password:    "super-secret",
		Username:    "Li",
		Credentials: models.Credentials{UID: "1", D: "2", VC3: "3"},
		Presets:     []models.GeoPreset{{Address: "hall"}},
		Active:      true,
	}))

	w := doJSON(t, h, http.MethodGet, "/accounts/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "super-secret")
	require.NotContains(t, w.Body.String(), "vc3")

	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "13800000000", out[0]["phone"])
	require.Equal(t, true, out[0]["hasAuth"])
	require.Equal(t, float64(1), out[0]["presets"])
}

func TestAccounts_SaveAndDelete(t *testing.T) {
	store, h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/accounts/", models.Account{Phone: "13811111111", Active: true})
	require.Equal(t, http.StatusOK, w.Code)

	accts, err := store.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accts, 1)

	w = doJSON(t, h, http.MethodPost, "/accounts/", models.Account{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/accounts/13811111111", nil)
	require.Equal(t, http.StatusOK, w.Code)

	accts, err = store.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, accts)
}

func TestTasks_CreateValidatesAndPersists(t *testing.T) {
	store, h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/tasks/", models.ScheduledTask{
		Trigger: models.TriggerDaily,
		At:      "25:00",
		Phones:  []string{"13800000000"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/tasks/", models.ScheduledTask{
		Name:    "morning",
		Trigger: models.TriggerDaily,
		At:      "08:30",
		Phones:  []string{"13800000000"},
		Active:  true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var created models.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	tasks, err := store.LoadScheduledTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	w = doJSON(t, h, http.MethodDelete, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	tasks, err = store.LoadScheduledTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestTasks_RunNow(t *testing.T) {
	_, h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/tasks/", models.ScheduledTask{
		Trigger:      models.TriggerInterval,
		EverySeconds: 3600,
		Phones:       []string{"13800000000"},
		Active:       true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var created models.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, h, http.MethodPost, "/tasks/"+created.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/tasks/missing/run", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitors_SaveStartStop(t *testing.T) {
	store, h, mn := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/monitors/", models.MonitorTask{IntervalSeconds: 60})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/monitors/", models.MonitorTask{
		Phone:           "13800000000",
		IntervalSeconds: 3600,
		Active:          true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var task models.MonitorTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	require.NotEmpty(t, task.ID)

	w = doJSON(t, h, http.MethodPost, "/monitors/"+task.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, mn.Running(task.ID))

	w = doJSON(t, h, http.MethodGet, "/monitors/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []struct {
		models.MonitorTask
		Running bool `json:"running"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.True(t, views[0].Running)

	w = doJSON(t, h, http.MethodPost, "/monitors/"+task.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, mn.Running(task.ID))

	w = doJSON(t, h, http.MethodPost, "/monitors/missing/start", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/monitors/"+task.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	tasks, err := store.LoadMonitorTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestLocations_RoundTrip(t *testing.T) {
	_, h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPut, "/locations/", []models.GeoPreset{
		{Address: "Main hall", Latitude: 39.9042, Longitude: 116.4074},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/locations/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var locs []models.GeoPreset
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &locs))
	require.Len(t, locs, 1)
	require.Equal(t, "Main hall", locs[0].Address)
}
