package detector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"checkinbox/internal/models"
	"checkinbox/internal/platform"
	"checkinbox/internal/session"
)

func fixedNow() time.Time {
	return time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
}

func activeItem(id string, otherID, status int, started time.Time) string {
	return fmt.Sprintf(`{"data":{"activeList":[{"id":%s,"nameOne":"签到","otherId":"%d","status":%d,"startTime":%d}]}}`,
		id, otherID, status, started.UnixMilli())
}

func newDetector(t *testing.T, handler http.HandlerFunc) *Detector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	eps := platform.Endpoints{Passport: srv.URL, API: srv.URL, Study: srv.URL, Mobile: srv.URL, Pan: srv.URL}
	sess := session.New("13800000000", models.Credentials{UID: "u", D: "d", VC3: "v"})
	return New(sess, eps).WithClock(fixedNow)
}

func TestFind_NoCourses(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no probe expected for an empty course list")
	})
	res, err := d.Find(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, NoActivity, res.State)
}

func TestFind_SingleCourseOpenEvent(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "111", r.URL.Query().Get("courseId"))
		require.Equal(t, "222", r.URL.Query().Get("classId"))
		_, _ = w.Write([]byte(activeItem("9001", 4, 1, fixedNow().Add(-10*time.Minute))))
	})

	res, err := d.Find(context.Background(), []models.CourseRef{{CourseID: "111", ClassID: "222"}})
	require.NoError(t, err)
	require.Equal(t, Found, res.State)
	require.Equal(t, "9001", res.Event.ActiveID)
	require.Equal(t, models.ModalityLocation, res.Event.Modality)
	require.Equal(t, "签到", res.Event.Name)
	require.Equal(t, fixedNow(), res.Event.DiscoveredAt)
}

func TestFind_ClosedEventIgnored(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(activeItem("9001", 0, 2, fixedNow().Add(-10*time.Minute))))
	})

	res, err := d.Find(context.Background(), []models.CourseRef{{CourseID: "1", ClassID: "2"}})
	require.NoError(t, err)
	require.Equal(t, NoActivity, res.State)
}

func TestFind_StaleEventIgnored(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(activeItem("9001", 0, 1, fixedNow().Add(-3*time.Hour))))
	})

	res, err := d.Find(context.Background(), []models.CourseRef{{CourseID: "1", ClassID: "2"}})
	require.NoError(t, err)
	require.Equal(t, NoActivity, res.State)
}

func TestFind_UnknownModalityIgnored(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(activeItem("9001", 7, 1, fixedNow().Add(-10*time.Minute))))
	})

	res, err := d.Find(context.Background(), []models.CourseRef{{CourseID: "1", ClassID: "2"}})
	require.NoError(t, err)
	require.Equal(t, NoActivity, res.State)
}

func TestFind_NullDataMeansTooFrequent(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null}`))
	})

	res, err := d.Find(context.Background(), []models.CourseRef{{CourseID: "1", ClassID: "2"}})
	require.NoError(t, err)
	require.Equal(t, TooFrequent, res.State)
}

func TestFind_BatchFindsEventAmongManyCourses(t *testing.T) {
	var probes atomic.Int32
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if r.URL.Query().Get("courseId") == "3" {
			_, _ = w.Write([]byte(activeItem("42", 0, 1, fixedNow().Add(-time.Minute))))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"activeList":[]}}`))
	})

	courses := make([]models.CourseRef, 0, 7)
	for i := 1; i <= 7; i++ {
		courses = append(courses, models.CourseRef{CourseID: fmt.Sprint(i), ClassID: fmt.Sprint(i * 10)})
	}
	res, err := d.Find(context.Background(), courses)
	require.NoError(t, err)
	require.Equal(t, Found, res.State)
	require.Equal(t, "42", res.Event.ActiveID)
	// Находка в первой пятёрке: до второй партии дело не дошло.
	require.EqualValues(t, 5, probes.Load())
}

func TestFind_SecondBatchProbedWhenFirstIsQuiet(t *testing.T) {
	var probes atomic.Int32
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if r.URL.Query().Get("courseId") == "6" {
			_, _ = w.Write([]byte(activeItem("77", 2, 1, fixedNow().Add(-time.Minute))))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"activeList":[]}}`))
	})

	courses := make([]models.CourseRef, 0, 6)
	for i := 1; i <= 6; i++ {
		courses = append(courses, models.CourseRef{CourseID: fmt.Sprint(i), ClassID: fmt.Sprint(i * 10)})
	}
	res, err := d.Find(context.Background(), courses)
	require.NoError(t, err)
	require.Equal(t, Found, res.State)
	require.Equal(t, models.ModalityQR, res.Event.Modality)
	require.EqualValues(t, 6, probes.Load())
}

func TestFind_FlakyCourseDoesNotMaskOthers(t *testing.T) {
	d := newDetector(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("courseId") == "1" {
			_, _ = w.Write([]byte("<<<not json>>>"))
			return
		}
		_, _ = w.Write([]byte(activeItem("55", 3, 1, fixedNow().Add(-time.Minute))))
	})

	res, err := d.Find(context.Background(), []models.CourseRef{
		{CourseID: "1", ClassID: "10"},
		{CourseID: "2", ClassID: "20"},
	})
	require.NoError(t, err)
	require.Equal(t, Found, res.State)
	require.Equal(t, models.ModalityGesture, res.Event.Modality)
}
