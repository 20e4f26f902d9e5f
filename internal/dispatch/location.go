package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"time"

	"checkinbox/internal/models"
	"checkinbox/internal/session"
)

// maxJitterMeters bounds the random offset applied to preset coordinates.
const maxJitterMeters = 5.0

// signLocation tries each preset strictly in order and stops at the first
// success. "Not within allowed range" is reported as its own failure mode so
// operators can tell a bad preset from a dead endpoint.
func (d *Dispatcher) signLocation(ctx context.Context, ev models.CheckinEvent, opts Options) models.Outcome {
	if len(opts.Presets) == 0 {
		return models.NewOutcome(models.OutcomeModalityUnsupported, "location check-in requires at least one geo preset")
	}

	var attempts []models.SubAttempt
	var last models.Outcome
	for i, p := range opts.Presets {
		lat, lon := p.Latitude, p.Longitude
		if opts.RandomOffset {
			lat, lon = d.jitter(lat, lon)
		}

		creds := d.sess.Credentials()
		u := fmt.Sprintf("%s?name=%s&address=%s&activeId=%s&uid=%s&clientip=&latitude=%s&longitude=%s&fid=%s&appType=15&ifTiJiao=1",
			d.eps.StuSign(),
			url.QueryEscape(opts.Name), url.QueryEscape(p.Address), ev.ActiveID, creds.UID,
			formatCoord(lat), formatCoord(lon), creds.Fid)

		resp, err := d.sess.Call(ctx, session.RequestSpec{URL: u})
		if err != nil {
			last = models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
		} else {
			last = classifySubmission(resp.Body)
		}
		attempts = append(attempts, models.SubAttempt{Target: p.Address, Kind: last.Kind, Message: last.Message})

		if last.Kind == models.OutcomeSuccess {
			break
		}
		slog.Debug("location preset rejected", "active_id", ev.ActiveID, "preset", i, "kind", string(last.Kind))
		if i < len(opts.Presets)-1 {
			d.sleep(ctx, time.Second)
			if ctx.Err() != nil {
				break
			}
		}
	}

	last.Event = &ev
	last.Attempts = attempts
	return last
}

// jitter displaces the point by a random distance (≤5 m) along a random
// bearing. Keeps a fleet of accounts from reporting identical coordinates.
func (d *Dispatcher) jitter(lat, lon float64) (float64, float64) {
	dist := d.rng.Float64() * maxJitterMeters
	bearing := d.rng.Float64() * 2 * math.Pi

	const metersPerDegLat = 111320.0
	dLat := dist * math.Cos(bearing) / metersPerDegLat
	dLon := dist * math.Sin(bearing) / (metersPerDegLat * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}

func formatCoord(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
