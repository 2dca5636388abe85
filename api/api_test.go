package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/services"
	"github.com/MyDira/Hadirot-sub006/workers"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockInbound struct {
	mock.Mock
}

func (m *mockInbound) HandleInbound(ctx context.Context, msg services.InboundMessage) (*services.InboundResult, error) {
	args := m.Called(msg)
	res, _ := args.Get(0).(*services.InboundResult)
	return res, args.Error(1)
}

type stubValidator struct {
	ok     bool
	url    string
	params map[string]string
}

func (v *stubValidator) Valid(url string, params map[string]string, signature string) bool {
	v.url, v.params = url, params
	return v.ok && signature != ""
}

type runnerFunc func(ctx context.Context) (*models.JobRun, error)

func (f runnerFunc) RunOnce(ctx context.Context) (*models.JobRun, error) { return f(ctx) }

type memRunLister struct {
	job   string
	limit int
	runs  []models.JobRun
}

func (m *memRunLister) ListRuns(job string, limit int) ([]models.JobRun, error) {
	m.job, m.limit = job, limit
	return m.runs, nil
}

func postForm(r http.Handler, path string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func inboundForm() url.Values {
	return url.Values{"From": {"+17185550134"}, "Body": {"YES"}, "MessageSid": {"SM77"}, "To": {"+17185550100"}}
}

func TestInboundSMS_AcknowledgesHandled(t *testing.T) {
	in := &mockInbound{}
	in.On("HandleInbound", services.InboundMessage{From: "+17185550134", Body: "YES", MessageSID: "SM77"}).
		Return(&services.InboundResult{Outcome: services.OutcomeHandled}, nil)

	r := NewRouter(&Server{Inbound: in})
	w := postForm(r, "/sms/inbound", inboundForm(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "<Response></Response>")
	in.AssertExpectations(t)
}

func TestInboundSMS_AcknowledgesInternalFailure(t *testing.T) {
	in := &mockInbound{}
	in.On("HandleInbound", mock.Anything).
		Return(&services.InboundResult{}, errors.Join(services.ErrListingUpdate, errors.New("db down")))

	r := NewRouter(&Server{Inbound: in})
	w := postForm(r, "/sms/inbound", inboundForm(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Response></Response>")
}

func TestInboundSMS_Signature(t *testing.T) {
	in := &mockInbound{}
	in.On("HandleInbound", mock.Anything).Return(&services.InboundResult{}, nil)
	v := &stubValidator{ok: true}

	r := NewRouter(&Server{Inbound: in, Validator: v, WebhookURL: "https://renewals.example.com/sms/inbound"})

	w := postForm(r, "/sms/inbound", inboundForm(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	in.AssertNotCalled(t, "HandleInbound", mock.Anything)

	w = postForm(r, "/sms/inbound", inboundForm(), map[string]string{"X-Twilio-Signature": "abc"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://renewals.example.com/sms/inbound", v.url)
	assert.Equal(t, "+17185550100", v.params["To"], "all posted params are signed")
	in.AssertNumberOfCalls(t, "HandleInbound", 1)
}

func TestRunJob(t *testing.T) {
	run := &models.JobRun{ID: 9, Job: models.JobSweep, Status: models.RunStatusCompleted, Summary: json.RawMessage(`{"expiredFound":1}`)}
	s := &Server{
		AdminToken: "s3cret",
		Jobs: map[string]JobRunner{
			models.JobSweep: runnerFunc(func(ctx context.Context) (*models.JobRun, error) { return run, nil }),
			models.JobReminders: runnerFunc(func(ctx context.Context) (*models.JobRun, error) {
				return nil, workers.ErrJobRunning
			}),
		},
	}
	r := NewRouter(s)
	auth := map[string]string{"Authorization": "Bearer s3cret"}

	w := postForm(r, "/jobs/sweep", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postForm(r, "/jobs/sweep", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.JobRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(9), got.ID)
	assert.JSONEq(t, `{"expiredFound":1}`, string(got.Summary))

	w = postForm(r, "/jobs/reminders", nil, auth)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postForm(r, "/jobs/reindex", nil, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	r := NewRouter(&Server{Jobs: map[string]JobRunner{}})
	w := postForm(r, "/jobs/sweep", nil, map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListRuns(t *testing.T) {
	runs := &memRunLister{runs: []models.JobRun{{ID: 1, Job: models.JobReminders}}}
	r := NewRouter(&Server{AdminToken: "t", Runs: runs})

	req := httptest.NewRequest(http.MethodGet, "/jobs/runs?job=reminders&limit=5", nil)
	req.Header.Set("Authorization", "Bearer t")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reminders", runs.job)
	assert.Equal(t, 5, runs.limit)

	var body struct {
		Runs []models.JobRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 1)

	req = httptest.NewRequest(http.MethodGet, "/jobs/runs?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer t")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	r := NewRouter(&Server{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
