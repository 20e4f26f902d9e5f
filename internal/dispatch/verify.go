package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"checkinbox/internal/models"
	"checkinbox/internal/session"
)

// signVerified handles gesture and numeric-code events: the pattern/code is
// checked against the verification endpoint first, and only a confirmed code
// is submitted. An unparseable verification body falls back to the general
// submission endpoint exactly once.
func (d *Dispatcher) signVerified(ctx context.Context, ev models.CheckinEvent, opts Options) models.Outcome {
	if opts.SignCode == "" {
		return models.NewOutcome(models.OutcomeModalityUnsupported,
			ev.Modality.String()+" check-in requires a sign code")
	}

	form := url.Values{}
	form.Set("activeId", ev.ActiveID)
	form.Set("signCode", opts.SignCode)

	check, err := d.sess.Call(ctx, session.RequestSpec{
		Method: http.MethodPost,
		URL:    d.eps.CheckSignCode(),
		Form:   form,
	})
	if err != nil {
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	}

	var vr verifyResponse
	if jerr := json.Unmarshal([]byte(check.Body), &vr); jerr != nil {
		// Ambiguous verification answer: try the general endpoint once as
		// the secondary path and let its result stand.
		out := d.signGeneral(ctx, ev, opts, opts.SignCode)
		out.Attempts = append(out.Attempts, models.SubAttempt{
			Target:  "general-fallback",
			Kind:    out.Kind,
			Message: out.Message,
		})
		return out
	}
	if vr.Result != 1 {
		msg := vr.ErrorMsg
		if msg == "" {
			msg = check.Body
		}
		out := models.NewOutcome(models.OutcomeVerificationRejected, msg)
		out.Event = &ev
		return out
	}

	resp, err := d.sess.Call(ctx, session.RequestSpec{
		URL: d.eps.SignCodeSignIn(ev.ActiveID, opts.SignCode),
	})
	if err != nil {
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	}
	out := classifySubmission(resp.Body)
	out.Event = &ev
	return out
}

// gesturePatterns are the pad codes tried in order when no pattern was
// supplied: straight-line letters first, then a few frequently-seen
// four-dot shapes.
var gesturePatterns = []struct {
	name string
	code string
}{
	{"L", "14789"},
	{"mirror L", "36987"},
	{"Z", "1235789"},
	{"mirror Z", "3215987"},
	{"2587", "2587"},
	{"2589", "2589"},
	{"8521", "8521"},
	{"8523", "8523"},
}

// signGestureAuto walks the preset patterns until one verifies and submits.
// Only gesture events without a supplied code land here; numeric code
// check-ins are never guessed.
func (d *Dispatcher) signGestureAuto(ctx context.Context, ev models.CheckinEvent, opts Options) models.Outcome {
	var attempts []models.SubAttempt
	for i, p := range gesturePatterns {
		if i > 0 {
			// Пауза между попытками, чтобы не долбить сервер.
			d.sleep(ctx, 500*time.Millisecond)
		}
		if ctx.Err() != nil {
			return models.NewOutcome(models.OutcomeNetworkTransient, ctx.Err().Error())
		}

		tryOpts := opts
		tryOpts.SignCode = p.code
		out := d.signVerified(ctx, ev, tryOpts)
		attempts = append(attempts, models.SubAttempt{
			Target:  p.name,
			Kind:    out.Kind,
			Message: out.Message,
		})
		if out.Kind != models.OutcomeVerificationRejected {
			out.Attempts = append(attempts, out.Attempts...)
			return out
		}
	}

	out := models.NewOutcome(models.OutcomeVerificationRejected, "no preset gesture pattern accepted")
	out.Event = &ev
	out.Attempts = attempts
	return out
}
