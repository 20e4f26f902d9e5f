package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"regexp"

	"github.com/pkg/errors"

	"checkinbox/internal/models"
	"checkinbox/internal/session"
)

var panTokenRe = regexp.MustCompile(`token\s*=\s*"([^"]+)"`)

// signPhoto uploads the configured local image to the account's cloud drive
// and submits the resulting objectId. A missing asset fails fast: there is
// nothing sensible to retry.
func (d *Dispatcher) signPhoto(ctx context.Context, ev models.CheckinEvent, opts Options) models.Outcome {
	img, err := os.ReadFile(d.photoPath)
	if err != nil {
		return models.NewOutcome(models.OutcomeModalityUnsupported,
			fmt.Sprintf("photo check-in requires a local image at %s: %v", d.photoPath, err))
	}

	objectID, err := d.uploadPhoto(ctx, img)
	if err != nil {
		return models.NewOutcome(models.OutcomeRemoteUnknown, err.Error())
	}

	creds := d.sess.Credentials()
	u := fmt.Sprintf("%s?activeId=%s&uid=%s&clientip=&useragent=&latitude=-1&longitude=-1&appType=15&fid=%s&objectId=%s&name=%s",
		d.eps.StuSign(), ev.ActiveID, creds.UID, creds.Fid, url.QueryEscape(objectID), url.QueryEscape(opts.Name))

	resp, err := d.sess.Call(ctx, session.RequestSpec{URL: u})
	if err != nil {
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	}
	out := classifySubmission(resp.Body)
	out.Event = &ev
	return out
}

type uploadResponse struct {
	Result   int    `json:"result"`
	ObjectID string `json:"objectId"`
	Msg      string `json:"msg"`
}

// uploadPhoto runs the cloud-drive protocol: scrape an upload token off the
// drive home page, then a single multipart POST. No upload retries beyond
// the transport layer's own budget.
func (d *Dispatcher) uploadPhoto(ctx context.Context, img []byte) (string, error) {
	page, err := d.sess.Call(ctx, session.RequestSpec{URL: d.eps.PanHome()})
	if err != nil {
		return "", err
	}
	m := panTokenRe.FindStringSubmatch(page.Body)
	if m == nil {
		return "", errors.New("upload token not present on drive page")
	}
	token := m[1]

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "1.png")
	if err != nil {
		return "", errors.Wrap(err, "multipart file")
	}
	if _, err := fw.Write(img); err != nil {
		return "", errors.Wrap(err, "multipart write")
	}
	if err := w.WriteField("puid", d.sess.Credentials().UID); err != nil {
		return "", errors.Wrap(err, "multipart puid")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "multipart close")
	}

	resp, err := d.sess.Call(ctx, session.RequestSpec{
		Method:      http.MethodPost,
		URL:         d.eps.PanUpload(token),
		Body:        buf.Bytes(),
		ContentType: w.FormDataContentType(),
	})
	if err != nil {
		return "", err
	}

	var ur uploadResponse
	if err := json.Unmarshal([]byte(resp.Body), &ur); err != nil {
		return "", errors.Errorf("unparseable upload response: %s", resp.Body)
	}
	if ur.Result != 1 || ur.ObjectID == "" {
		return "", errors.Errorf("upload rejected: %s", resp.Body)
	}
	return ur.ObjectID, nil
}
