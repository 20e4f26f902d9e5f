package platform

import (
	"fmt"
	"net/url"
	"time"
)

// Endpoints holds the base URLs of the remote learning platform. The
// defaults point at the production hosts; tests swap in httptest servers.
type Endpoints struct {
	Passport string // login, account page
	API      string // activity list, pre-sign, submissions
	Study    string // course list
	Mobile   string // gesture/code verification endpoints
	Pan      string // cloud drive (photo check-in uploads)
}

func Default() Endpoints {
	return Endpoints{
		Passport: "https://passport2.chaoxing.com",
		API:      "https://mooc1-api.chaoxing.com",
		Study:    "https://mooc1-1.chaoxing.com",
		Mobile:   "https://mobilelearn.chaoxing.com",
		Pan:      "https://pan-yz.chaoxing.com",
	}
}

// WithDefaults fills any empty base URL from Default. Lets config override
// only the hosts it cares about.
func (e Endpoints) WithDefaults() Endpoints {
	d := Default()
	if e.Passport == "" {
		e.Passport = d.Passport
	}
	if e.API == "" {
		e.API = d.API
	}
	if e.Study == "" {
		e.Study = d.Study
	}
	if e.Mobile == "" {
		e.Mobile = d.Mobile
	}
	if e.Pan == "" {
		e.Pan = d.Pan
	}
	return e
}

func (e Endpoints) LoginPage() string {
	return e.Passport + "/login?fid=&newversion=true&refer=https%3A%2F%2Fi.chaoxing.com"
}

func (e Endpoints) Login() string {
	return e.Passport + "/fanyalogin"
}

func (e Endpoints) AccountManage() string {
	return e.Passport + "/mooc/accountManage"
}

func (e Endpoints) CourseList() string {
	return e.Study + "/visit/courselistdata"
}

func (e Endpoints) ActiveList(c, cls string, now time.Time) string {
	return fmt.Sprintf("%s/v2/apis/active/student/activelist?fid=0&courseId=%s&classId=%s&_=%d",
		e.API, c, cls, now.UnixMilli())
}

func (e Endpoints) ActiveInfo(activeID string) string {
	return fmt.Sprintf("%s/v2/apis/active/getPPTActiveInfo?activeId=%s", e.API, activeID)
}

// PreSign keeps the exact parameter order (including the doubled ampersand
// before tid) the remote service was observed to accept.
func (e Endpoints) PreSign(courseID, classID, activeID, uid string) string {
	return fmt.Sprintf("%s/newsign/preSign?courseId=%s&classId=%s&activePrimaryId=%s&general=1&sys=1&ls=1&appType=15&&tid=&uid=%s&ut=s",
		e.API, courseID, classID, activeID, uid)
}

func (e Endpoints) Analysis(activeID string) string {
	return fmt.Sprintf("%s/pptSign/analysis?vs=1&DB_STRATEGY=RANDOM&aid=%s", e.API, activeID)
}

func (e Endpoints) Analysis2(code string) string {
	return fmt.Sprintf("%s/pptSign/analysis2?DB_STRATEGY=RANDOM&code=%s", e.API, code)
}

func (e Endpoints) StuSign() string {
	return e.API + "/pptSign/stuSignajax"
}

func (e Endpoints) CheckSignCode() string {
	return e.Mobile + "/widget/sign/pcStuSignController/checkSignCode"
}

func (e Endpoints) SignCodeSignIn(activeID, signCode string) string {
	return fmt.Sprintf("%s/widget/sign/pcStuSignController/signIn?activeId=%s&signCode=%s&validate=&moreClassAttendEnc=",
		e.Mobile, url.QueryEscape(activeID), url.QueryEscape(signCode))
}

func (e Endpoints) PanHome() string {
	return e.Pan
}

func (e Endpoints) PanUpload(token string) string {
	return fmt.Sprintf("%s/upload?_from=mobilelearn&_token=%s", e.Pan, url.QueryEscape(token))
}
