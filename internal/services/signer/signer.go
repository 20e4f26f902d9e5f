package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"checkinbox/internal/broker/messages"
	"checkinbox/internal/cache"
	"checkinbox/internal/detector"
	"checkinbox/internal/dispatch"
	"checkinbox/internal/models"
	"checkinbox/internal/platform"
	"checkinbox/internal/session"
	"checkinbox/internal/storage"
)

// Publisher is the broker seam; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Request describes one sign attempt on top of the stored account state.
type Request struct {
	// Source tells schedule runs apart from monitor hits and manual kicks.
	Source string

	// Location, when set, is tried before the account presets.
	Location     *models.GeoPreset
	RandomOffset bool

	// SignCode and Enc feed the gesture/code and QR paths.
	SignCode string
	Enc      string

	// Courses limits detection to a subset; empty means every enrolled course.
	Courses []models.CourseRef

	// DelayMin/DelayMax, when positive, insert a random pause between
	// detection and submission so sign times do not look machine-perfect.
	DelayMin time.Duration
	DelayMax time.Duration
}

type Signer struct {
	store    storage.Store
	cache    cache.BytesCache
	producer Publisher
	eps      platform.Endpoints
	log      *slog.Logger

	photoPath string
	courseTTL time.Duration

	rng   *rand.Rand
	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

func New(store storage.Store, log *slog.Logger) *Signer {
	return &Signer{
		store:     store,
		cache:     cache.Noop{},
		eps:       platform.Default(),
		log:       log,
		courseTTL: time.Hour,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func (s *Signer) WithCache(c cache.BytesCache, ttl time.Duration) *Signer {
	if c != nil {
		s.cache = c
	}
	if ttl > 0 {
		s.courseTTL = ttl
	}
	return s
}

func (s *Signer) WithProducer(p Publisher) *Signer {
	s.producer = p
	return s
}

func (s *Signer) WithEndpoints(eps platform.Endpoints) *Signer {
	s.eps = eps.WithDefaults()
	return s
}

func (s *Signer) WithPhotoPath(path string) *Signer {
	s.photoPath = path
	return s
}

func (s *Signer) WithRand(r *rand.Rand) *Signer {
	s.rng = r
	return s
}

func (s *Signer) WithSleeper(f func(context.Context, time.Duration)) *Signer {
	s.sleep = f
	return s
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// AttemptByPhone loads the account and runs Attempt.
func (s *Signer) AttemptByPhone(ctx context.Context, phone string, req Request) (models.Outcome, error) {
	acct, ok, err := storage.FindAccount(ctx, s.store, phone)
	if err != nil {
		return models.Outcome{}, errors.Wrap(err, "load account")
	}
	if !ok {
		return models.Outcome{}, errors.Errorf("account %s not found", phone)
	}
	return s.Attempt(ctx, acct, req), nil
}

// Attempt runs the full pipeline for one account: course lookup, activity
// detection, then a modality-routed submission. The returned outcome is
// always meaningful; errors inside the pipeline become unsuccessful outcomes.
//
// An account with incomplete tokens is rejected before any network traffic.
func (s *Signer) Attempt(ctx context.Context, acct models.Account, req Request) models.Outcome {
	log := s.log.With("phone", acct.Phone, "source", req.Source)

	if !acct.Credentials.Complete() {
		log.Warn("sign attempt rejected: credentials incomplete")
		out := models.NewOutcome(models.OutcomeAuthIncomplete, "stored tokens are incomplete, re-login required")
		s.publish(ctx, acct, req, out)
		return out
	}

	sess := session.New(acct.Phone, acct.Credentials)

	courses, err := s.courses(ctx, sess, acct, req)
	if err != nil {
		out := s.outcomeFromError(err)
		log.Warn("course lookup failed", "err", err)
		s.publish(ctx, acct, req, out)
		return out
	}

	det := detector.New(sess, s.eps).WithClock(s.now)
	res, err := det.Find(ctx, courses)
	if err != nil {
		out := s.outcomeFromError(err)
		log.Warn("activity detection failed", "err", err)
		s.publish(ctx, acct, req, out)
		return out
	}

	var out models.Outcome
	switch res.State {
	case detector.NoActivity:
		out = models.NewOutcome(models.OutcomeNoActivity, "no active check-in event")
	case detector.TooFrequent:
		out = models.NewOutcome(models.OutcomeTooFrequent, "platform is rate limiting activity probes")
	case detector.Found:
		log.Info("check-in event found",
			"active_id", res.Event.ActiveID,
			"modality", res.Event.Modality.String(),
		)
		s.humanDelay(ctx, req)
		if ctx.Err() != nil {
			out = models.NewOutcome(models.OutcomeNetworkTransient, "attempt cancelled")
			out.Event = res.Event
			break
		}
		out = s.submit(ctx, sess, acct, req, *res.Event)
	}

	s.persistRotatedTokens(ctx, sess, acct)

	if out.Success {
		log.Info("check-in succeeded", "active_id", outActiveID(out))
	} else if !out.Kind.Idle() {
		log.Warn("check-in failed", "outcome", string(out.Kind), "msg", out.Message)
	}
	s.publish(ctx, acct, req, out)
	return out
}

// Login authenticates with phone and password, persists refreshed tokens and
// the scraped display name, and returns the updated account.
func (s *Signer) Login(ctx context.Context, acct models.Account) (models.Account, error) {
	if acct.Password == "" {
		return acct, errors.New("account has no password on file")
	}

	sess := session.New(acct.Phone, models.Credentials{})
	if err := sess.Authenticate(ctx, s.eps, acct.Phone, acct.Password); err != nil {
		return acct, err
	}

	acct.Credentials = sess.Credentials()
	if name := sess.FetchDisplayName(ctx, s.eps); name != "" {
		acct.Username = name
	}
	if err := s.store.SaveAccount(ctx, acct); err != nil {
		return acct, errors.Wrap(err, "persist account after login")
	}
	s.log.Info("account re-authenticated", "phone", acct.Phone)
	return acct, nil
}

func (s *Signer) courses(ctx context.Context, sess *session.Session, acct models.Account, req Request) ([]models.CourseRef, error) {
	if len(req.Courses) > 0 {
		return req.Courses, nil
	}

	key := courseKey(acct.Phone)
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached []models.CourseRef
		if json.Unmarshal(raw, &cached) == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	courses, err := sess.FetchCourses(ctx, s.eps)
	if err != nil {
		return nil, err
	}

	// Кэш необязателен: промах или ошибка записи не мешают подписи.
	if raw, err := json.Marshal(courses); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.courseTTL); err != nil {
			s.log.Debug("course cache set failed", "err", err)
		}
	}
	return courses, nil
}

func (s *Signer) submit(ctx context.Context, sess *session.Session, acct models.Account, req Request, ev models.CheckinEvent) models.Outcome {
	presets := acct.Presets
	if req.Location != nil {
		presets = append([]models.GeoPreset{*req.Location}, presets...)
	}

	d := dispatch.New(sess, s.eps, s.photoPath).WithRand(s.rng).WithSleeper(s.sleep)
	out := d.Sign(ctx, ev, dispatch.Options{
		Name:         acct.Username,
		Enc:          req.Enc,
		SignCode:     req.SignCode,
		Presets:      presets,
		RandomOffset: req.RandomOffset,
	})
	out.Event = &ev
	return out
}

func (s *Signer) humanDelay(ctx context.Context, req Request) {
	if req.DelayMax <= 0 || req.DelayMax < req.DelayMin {
		return
	}
	d := req.DelayMin
	if span := req.DelayMax - req.DelayMin; span > 0 {
		d += time.Duration(s.rng.Int63n(int64(span) + 1))
	}
	if d > 0 {
		s.sleep(ctx, d)
	}
}

// persistRotatedTokens writes back cookies the platform rotated mid-session.
func (s *Signer) persistRotatedTokens(ctx context.Context, sess *session.Session, acct models.Account) {
	rotated := sess.Credentials()
	if rotated == acct.Credentials {
		return
	}
	acct.Credentials = rotated
	if err := s.store.SaveAccount(ctx, acct); err != nil {
		s.log.Warn("failed to persist rotated tokens", "phone", acct.Phone, "err", err)
	}
}

func (s *Signer) outcomeFromError(err error) models.Outcome {
	switch {
	case errors.Is(err, session.ErrAuthFailed):
		return models.NewOutcome(models.OutcomeAuthFailed, err.Error())
	case errors.Is(err, session.ErrAuthIncomplete):
		return models.NewOutcome(models.OutcomeAuthIncomplete, err.Error())
	case errors.Is(err, session.ErrTransient):
		return models.NewOutcome(models.OutcomeNetworkTransient, err.Error())
	default:
		return models.NewOutcome(models.OutcomeRemoteUnknown, err.Error())
	}
}

func (s *Signer) publish(ctx context.Context, acct models.Account, req Request, out models.Outcome) {
	if s.producer == nil {
		return
	}

	msg := messages.SignCompleted{
		Phone:     acct.Phone,
		Username:  acct.Username,
		AttemptAt: s.now().UTC(),
		Outcome:   string(out.Kind),
		Success:   out.Success,
		Message:   out.Message,
		Source:    req.Source,
	}
	if out.Event != nil {
		msg.ActiveID = out.Event.ActiveID
		msg.ActiveName = out.Event.Name
		msg.Modality = out.Event.Modality.String()
		msg.CourseID = out.Event.Course.CourseID
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode sign event", "err", err)
		return
	}
	if err := s.producer.Publish(ctx, messages.TopicSignCompleted, []byte(acct.Phone), raw); err != nil {
		s.log.Warn("publish sign event", "err", err)
	}
}

func courseKey(phone string) string {
	return fmt.Sprintf("checkin:courses:%s", phone)
}

func outActiveID(out models.Outcome) string {
	if out.Event == nil {
		return ""
	}
	return out.Event.ActiveID
}
