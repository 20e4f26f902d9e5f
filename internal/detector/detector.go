package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"checkinbox/internal/models"
	"checkinbox/internal/platform"
	"checkinbox/internal/session"
)

// State of one discovery pass.
type State int

const (
	// Found: exactly one actionable event was discovered.
	Found State = iota
	// NoActivity: every probed course came back without an open event.
	NoActivity
	// TooFrequent: the remote returned an empty data envelope, its way of
	// saying we are polling too hard. Callers must back off instead of
	// moving on to the next course.
	TooFrequent
)

type Result struct {
	State State
	Event *models.CheckinEvent
}

const (
	batchSize = 5
	// Events open longer than this are presumed stale even when the remote
	// still reports them as open.
	maxEventAge = 2 * time.Hour
)

// errNotAvailable is the per-course "nothing here" signal, distinct from
// TooFrequent: it just means move on.
var errNotAvailable = errors.New("no actionable event on this course")

// Detector finds the single currently-open check-in event for one account.
type Detector struct {
	sess *session.Session
	eps  platform.Endpoints
	now  func() time.Time
}

func New(sess *session.Session, eps platform.Endpoints) *Detector {
	return &Detector{sess: sess, eps: eps, now: time.Now}
}

// WithClock overrides the staleness clock. Tests only.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Find probes the courses in batches of five, short-circuiting on the first
// discovery. A single-course account is probed directly. Transport errors on
// individual probes are treated like "not available" so one flaky course
// cannot mask an open event elsewhere.
func (d *Detector) Find(ctx context.Context, courses []models.CourseRef) (Result, error) {
	if len(courses) == 0 {
		return Result{State: NoActivity}, nil
	}
	if len(courses) == 1 {
		ev, err := d.probe(ctx, courses[0])
		switch {
		case err == nil:
			return Result{State: Found, Event: ev}, nil
		case errors.Is(err, errTooFrequent):
			return Result{State: TooFrequent}, nil
		case errors.Is(err, errNotAvailable):
			return Result{State: NoActivity}, nil
		default:
			slog.Debug("probe failed", "course", courses[0].CourseID, "error", err.Error())
			return Result{State: NoActivity}, nil
		}
	}

	for i := 0; i < len(courses); i += batchSize {
		end := i + batchSize
		if end > len(courses) {
			end = len(courses)
		}
		res := d.probeBatch(ctx, courses[i:end])
		if res.State != NoActivity {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{State: NoActivity}, ctx.Err()
		}
	}
	return Result{State: NoActivity}, nil
}

// probeBatch runs one batch concurrently; the first discovery wins.
func (d *Detector) probeBatch(ctx context.Context, batch []models.CourseRef) Result {
	var (
		mu          sync.Mutex
		found       *models.CheckinEvent
		tooFrequent bool
	)
	var wg sync.WaitGroup
	for _, c := range batch {
		wg.Add(1)
		course := c
		go func() {
			defer wg.Done()
			ev, err := d.probe(ctx, course)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if found == nil {
					found = ev
				}
			case errors.Is(err, errTooFrequent):
				tooFrequent = true
			case errors.Is(err, errNotAvailable):
			default:
				slog.Debug("probe failed", "course", course.CourseID, "error", err.Error())
			}
		}()
	}
	wg.Wait()

	if found != nil {
		return Result{State: Found, Event: found}
	}
	if tooFrequent {
		return Result{State: TooFrequent}
	}
	return Result{State: NoActivity}
}

var errTooFrequent = errors.New("remote is rate limiting activity probes")

type activeListResponse struct {
	Data *struct {
		ActiveList []struct {
			ID        json.Number `json:"id"`
			NameOne   string      `json:"nameOne"`
			OtherID   json.Number `json:"otherId"`
			Status    int         `json:"status"`
			StartTime int64       `json:"startTime"`
		} `json:"activeList"`
	} `json:"data"`
}

// probe fetches one course's active-item list and accepts the first item
// only when it is an open, fresh check-in of a known modality.
func (d *Detector) probe(ctx context.Context, course models.CourseRef) (*models.CheckinEvent, error) {
	now := d.now()
	resp, err := d.sess.Call(ctx, session.RequestSpec{
		URL: d.eps.ActiveList(course.CourseID, course.ClassID, now),
	})
	if err != nil {
		return nil, err
	}

	var alr activeListResponse
	if err := json.Unmarshal([]byte(resp.Body), &alr); err != nil {
		return nil, errors.Wrap(errNotAvailable, "unparseable active list")
	}
	if alr.Data == nil {
		// Empty data envelope is the remote's rate-limit tell.
		return nil, errTooFrequent
	}
	if len(alr.Data.ActiveList) == 0 {
		return nil, errNotAvailable
	}

	item := alr.Data.ActiveList[0]
	otherID, err := strconv.Atoi(item.OtherID.String())
	if err != nil {
		return nil, errNotAvailable
	}
	modality := models.Modality(otherID)
	if !modality.Valid() || item.Status != 1 {
		return nil, errNotAvailable
	}
	started := time.UnixMilli(item.StartTime)
	if now.Sub(started) >= maxEventAge {
		return nil, errNotAvailable
	}

	return &models.CheckinEvent{
		ActiveID:     item.ID.String(),
		Name:         item.NameOne,
		Course:       course,
		Modality:     modality,
		DiscoveredAt: now,
	}, nil
}
