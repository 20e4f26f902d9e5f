package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"

	"checkinbox/internal/models"
	"checkinbox/internal/platform"
	"checkinbox/internal/session"
)

// Options carries the per-attempt inputs a modality may need. Identity lives
// in the session, not here.
type Options struct {
	// Name is the display name submitted alongside the sign.
	Name string
	// Enc is the QR token scanned out of band. QR events cannot be signed
	// without it.
	Enc string
	// SignCode is the gesture pattern or numeric code to verify.
	SignCode string
	// Presets are tried strictly in order for location events.
	Presets []models.GeoPreset
	// RandomOffset jitters location coordinates by a few meters so a fleet
	// of accounts does not report bit-identical positions.
	RandomOffset bool
	// QRLocation is the position embedded in a QR submission.
	QRLocation *models.GeoPreset
}

// Dispatcher runs the type-specific submission protocol for one discovered
// event. Every path goes through the pre-sign handshake first.
type Dispatcher struct {
	sess      *session.Session
	eps       platform.Endpoints
	photoPath string

	rng   *rand.Rand
	sleep func(context.Context, time.Duration)
}

func New(sess *session.Session, eps platform.Endpoints, photoPath string) *Dispatcher {
	return &Dispatcher{
		sess:      sess,
		eps:       eps,
		photoPath: photoPath,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
	}
}

// WithRand pins the jitter source. Tests only.
func (d *Dispatcher) WithRand(r *rand.Rand) *Dispatcher {
	d.rng = r
	return d
}

// WithSleeper replaces the settle/fallback delays. Tests only.
func (d *Dispatcher) WithSleeper(f func(context.Context, time.Duration)) *Dispatcher {
	d.sleep = f
	return d
}

func sleepCtx(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Sign executes the full protocol for the event: pre-sign handshake, then
// the modality-specific submission.
func (d *Dispatcher) Sign(ctx context.Context, ev models.CheckinEvent, opts Options) models.Outcome {
	if err := d.preSign(ctx, ev); err != nil {
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	}

	switch ev.Modality {
	case models.ModalityGeneral:
		photo, err := d.isPhotoEvent(ctx, ev)
		if err != nil {
			return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
		}
		if photo {
			return d.signPhoto(ctx, ev, opts)
		}
		return d.signGeneral(ctx, ev, opts, "")
	case models.ModalityQR:
		return d.signQR(ctx, ev, opts)
	case models.ModalityGesture:
		if opts.SignCode == "" {
			return d.signGestureAuto(ctx, ev, opts)
		}
		return d.signVerified(ctx, ev, opts)
	case models.ModalityCode:
		return d.signVerified(ctx, ev, opts)
	case models.ModalityLocation:
		return d.signLocation(ctx, ev, opts)
	}
	return models.NewOutcome(models.OutcomeModalityUnsupported, fmt.Sprintf("unknown modality %d", int(ev.Modality)))
}

var analysisCodeRe = regexp.MustCompile(`code='\+('[^']*')`)

// preSign primes server-side session state for the activity. The remote
// silently rejects submissions that skip this, so it runs for every
// modality. Parameter order in the query strings is load-bearing.
func (d *Dispatcher) preSign(ctx context.Context, ev models.CheckinEvent) error {
	creds := d.sess.Credentials()
	if _, err := d.sess.Call(ctx, session.RequestSpec{
		URL: d.eps.PreSign(ev.Course.CourseID, ev.Course.ClassID, ev.ActiveID, creds.UID),
	}); err != nil {
		return err
	}

	resp, err := d.sess.Call(ctx, session.RequestSpec{URL: d.eps.Analysis(ev.ActiveID)})
	if err != nil {
		return err
	}
	if m := analysisCodeRe.FindStringSubmatch(resp.Body); m != nil {
		code := strings.Trim(m[1], "'")
		r2, err := d.sess.Call(ctx, session.RequestSpec{URL: d.eps.Analysis2(code)})
		if err != nil {
			return err
		}
		slog.Debug("presign analysis", "active_id", ev.ActiveID, "result", r2.Body)
	}

	// Settle delay observed in the reference clients.
	d.sleep(ctx, 500*time.Millisecond)
	return ctx.Err()
}

// signGeneral performs the plain submission with default (-1,-1)
// coordinates. extraCode is appended for the gesture/code fallback path.
func (d *Dispatcher) signGeneral(ctx context.Context, ev models.CheckinEvent, opts Options, extraCode string) models.Outcome {
	creds := d.sess.Credentials()
	u := fmt.Sprintf("%s?activeId=%s&uid=%s&clientip=&latitude=-1&longitude=-1&appType=15&fid=%s&name=%s",
		d.eps.StuSign(), ev.ActiveID, creds.UID, creds.Fid, url.QueryEscape(opts.Name))
	if extraCode != "" {
		u += "&signCode=" + url.QueryEscape(extraCode)
	}

	resp, err := d.sess.Call(ctx, session.RequestSpec{URL: u})
	if err != nil {
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	}
	out := classifySubmission(resp.Body)
	out.Event = &ev
	return out
}

type verifyResponse struct {
	Result   int    `json:"result"`
	ErrorMsg string `json:"errorMsg"`
}

// classifySubmission maps a raw submission body onto the outcome taxonomy.
// This is the single place substring checks are allowed to live.
func classifySubmission(body string) models.Outcome {
	trimmed := strings.TrimSpace(body)
	if trimmed == "success" {
		return models.NewOutcome(models.OutcomeSuccess, "success")
	}
	var vr verifyResponse
	if err := json.Unmarshal([]byte(trimmed), &vr); err == nil && vr.Result == 1 {
		return models.NewOutcome(models.OutcomeSuccess, "success")
	}
	if isOutOfRange(trimmed) {
		return models.NewOutcome(models.OutcomeOutOfRange, trimmed)
	}
	// Unknown remote wording: surface it verbatim, never swallow it.
	return models.NewOutcome(models.OutcomeRemoteUnknown, trimmed)
}

// isOutOfRange matches the remote's natural-language "not within allowed
// range" rejection. Known fragility: a wording change upstream degrades
// this to RemoteUnknown.
func isOutOfRange(body string) bool {
	return strings.Contains(body, "不在可签到范围")
}

type activeInfoResponse struct {
	Data struct {
		IfPhoto int `json:"ifphoto"`
	} `json:"data"`
}

// isPhotoEvent disambiguates modality 0: the event detail says whether a
// photo is required.
func (d *Dispatcher) isPhotoEvent(ctx context.Context, ev models.CheckinEvent) (bool, error) {
	resp, err := d.sess.Call(ctx, session.RequestSpec{URL: d.eps.ActiveInfo(ev.ActiveID)})
	if err != nil {
		return false, err
	}
	var air activeInfoResponse
	if err := json.Unmarshal([]byte(resp.Body), &air); err != nil {
		return false, nil
	}
	return air.Data.IfPhoto == 1, nil
}
