package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"checkinbox/internal/models"
	"checkinbox/internal/session"
)

// qrLocation is the JSON blob a QR submission embeds as a single query
// parameter. Field order is fixed by the mobile client.
type qrLocation struct {
	Result    string `json:"result"`
	Address   string `json:"address"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Altitude  string `json:"altitude"`
}

// signQR submits a QR event. The enc token comes off the on-screen code and
// cannot be derived here; without it the event is unsupported.
func (d *Dispatcher) signQR(ctx context.Context, ev models.CheckinEvent, opts Options) models.Outcome {
	if opts.Enc == "" {
		return models.NewOutcome(models.OutcomeModalityUnsupported, "qr check-in requires an enc token")
	}

	loc := qrLocation{Result: "1", Altitude: "100"}
	if opts.QRLocation != nil {
		loc.Address = opts.QRLocation.Address
		loc.Latitude = formatCoord(opts.QRLocation.Latitude)
		loc.Longitude = formatCoord(opts.QRLocation.Longitude)
	} else if len(opts.Presets) > 0 {
		p := opts.Presets[0]
		loc.Address = p.Address
		loc.Latitude = formatCoord(p.Latitude)
		loc.Longitude = formatCoord(p.Longitude)
	}
	locJSON, _ := json.Marshal(loc)

	creds := d.sess.Credentials()
	u := fmt.Sprintf("%s?enc=%s&name=%s&activeId=%s&uid=%s&clientip=&location=%s&latitude=-1&longitude=-1&fid=%s&appType=15",
		d.eps.StuSign(),
		url.QueryEscape(opts.Enc), url.QueryEscape(opts.Name), ev.ActiveID, creds.UID,
		url.QueryEscape(string(locJSON)), creds.Fid)

	resp, err := d.sess.Call(ctx, session.RequestSpec{URL: u})
	if err != nil {
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	}
	out := classifySubmission(resp.Body)
	out.Event = &ev
	return out
}
