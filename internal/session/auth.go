package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"checkinbox/internal/models"
	"checkinbox/internal/platform"
)

// Typed auth failures. AuthIncomplete means the handshake looked fine but
// fewer than three identity tokens were recoverable; nothing downstream may
// run against the remote with a partial set.
var (
	ErrAuthFailed     = errors.New("remote rejected credentials")
	ErrAuthIncomplete = errors.New("login produced an incomplete token set")
)

type loginResponse struct {
	Status bool   `json:"status"`
	Msg    string `json:"msg"`
	Data   struct {
		URL string `json:"url"`
		UID int64  `json:"uid"`
		D   string `json:"_d"`
		VC3 string `json:"vc3"`
	} `json:"data"`
}

// Authenticate performs the two-step login handshake: fetch the login page
// for the pre-session cookie, then post the obfuscated password. On success
// the session's stored tokens are replaced wholesale.
func (s *Session) Authenticate(ctx context.Context, eps platform.Endpoints, login, password string) error {
	// Step 1: prime the jar.
	page, err := s.Call(ctx, RequestSpec{
		URL:    eps.LoginPage(),
		NoAuth: true,
		Header: http.Header{
			"Accept":          []string{"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			"Accept-Language": []string{"zh-CN,zh;q=0.9"},
		},
	})
	if err != nil {
		return err
	}
	if page.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrAuthFailed, "login page http %d", page.StatusCode)
	}

	enc, err := ObfuscatePassword(password)
	if err != nil {
		return errors.Wrap(err, "obfuscate password")
	}

	form := url.Values{}
	form.Set("uname", login)
	form.Set("password", enc)
	form.Set("fid", "-1")
	form.Set("t", "true")
	form.Set("refer", "https%3A%2F%2Fi.chaoxing.com")
	form.Set("forbidotherlogin", "0")
	form.Set("validate", "")

	resp, err := s.Call(ctx, RequestSpec{
		Method: http.MethodPost,
		URL:    eps.Login(),
		Form:   form,
		NoAuth: true,
		Header: http.Header{
			"X-Requested-With": []string{"XMLHttpRequest"},
			"Origin":           []string{eps.Passport},
			"Referer":          []string{eps.LoginPage()},
		},
	})
	if err != nil {
		return err
	}

	var lr loginResponse
	if jerr := json.Unmarshal([]byte(resp.Body), &lr); jerr == nil {
		if !lr.Status {
			return errors.Wrap(ErrAuthFailed, lr.Msg)
		}
		// Some tenants answer with a redirect URL that sets the remaining
		// cookies only when followed.
		if lr.Data.URL != "" {
			_, _ = s.Call(ctx, RequestSpec{URL: lr.Data.URL, NoAuth: true})
		}
		s.absorbJarCookies(eps.Passport + "/")
		// Fill gaps from the body before giving up.
		if s.creds.UID == "" && lr.Data.UID != 0 {
			s.creds.UID = strconv.FormatInt(lr.Data.UID, 10)
		}
		if s.creds.D == "" && lr.Data.D != "" {
			s.creds.D = lr.Data.D
		}
		if s.creds.VC3 == "" && lr.Data.VC3 != "" {
			s.creds.VC3 = lr.Data.VC3
		}
	} else {
		// Non-JSON answer: the login may still have succeeded via cookies.
		s.absorbJarCookies(eps.Passport + "/")
	}

	if !s.creds.Complete() {
		return ErrAuthIncomplete
	}
	return nil
}

var displayNameRe = regexp.MustCompile(`messageName[^"]*"\s*value\s*=\s*"([^"]*)"`)

// FetchDisplayName scrapes the account page for the user's display name.
// Best effort: any failure just yields an empty name.
func (s *Session) FetchDisplayName(ctx context.Context, eps platform.Endpoints) string {
	resp, err := s.Call(ctx, RequestSpec{
		URL: eps.AccountManage(),
		Header: http.Header{
			"Referer": []string{"https://i.chaoxing.com/"},
		},
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	if m := displayNameRe.FindStringSubmatch(resp.Body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// CourseIDPattern matches the course_<courseId>_<classId> markers in the
// enrollment list HTML.
var CourseIDPattern = regexp.MustCompile(`course_(\d+)_(\d+)`)

// FetchCourses enumerates the account's enrollments. Returns ErrAuthFailed
// when the remote signals an expired identity.
func (s *Session) FetchCourses(ctx context.Context, eps platform.Endpoints) ([]models.CourseRef, error) {
	form := url.Values{}
	form.Set("courseType", "1")
	form.Set("courseFolderId", "0")
	form.Set("courseFolderSize", "0")

	resp, err := s.Call(ctx, RequestSpec{
		Method: http.MethodPost,
		URL:    eps.CourseList(),
		Form:   form,
		Gzip:   true,
		Header: http.Header{
			"Accept":  []string{"text/html, */*; q=0.01"},
			"Referer": []string{eps.Study + "/visit/interaction"},
			"Origin":  []string{eps.Study},
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusFound {
		return nil, errors.Wrap(ErrAuthFailed, "course list redirected to login")
	}
	if strings.Contains(resp.Body, "请重新登录") || strings.Contains(resp.Body, "登录超时") {
		return nil, errors.Wrap(ErrAuthFailed, "identity expired")
	}

	var out []models.CourseRef
	seen := make(map[models.CourseRef]struct{})
	for _, m := range CourseIDPattern.FindAllStringSubmatch(resp.Body, -1) {
		ref := models.CourseRef{CourseID: m[1], ClassID: m[2]}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}
