package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/ingest"
	"github.com/mixelka/mailsweep/internal/unsubscribe"
	"github.com/mixelka/mailsweep/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopGateway struct{}

func (nopGateway) ListNewMessageIDs(ctx context.Context, acc *models.Account, cursor string) ([]string, string, error) {
	return nil, cursor, nil
}

func (nopGateway) FetchMessage(ctx context.Context, acc *models.Account, id string) (*models.RawMessage, error) {
	return nil, fmt.Errorf("not used")
}

func (nopGateway) ArchiveMessage(context.Context, *models.Account, string) error { return nil }
func (nopGateway) MarkAsRead(context.Context, *models.Account, string) error     { return nil }
func (nopGateway) DeleteMessage(context.Context, *models.Account, string) error  { return nil }

type stubAgent struct{}

func (stubAgent) Run(ctx context.Context, e *models.Email, acc *models.Account) *unsubscribe.Result {
	return &unsubscribe.Result{
		EmailID:             e.ID,
		Outcome:             unsubscribe.OutcomeVerifiedSuccess,
		Steps:               []string{"navigated", "confirmed"},
		SiblingUpdatedCount: 1,
	}
}

type stubAccounts struct {
	db *database.DB
}

func (a stubAccounts) Connect(ctx context.Context, req account.Request) (*models.Account, error) {
	if req.Password == "wrong" {
		return nil, fmt.Errorf("%w: login failed", account.ErrConnectionFailed)
	}
	acc := &models.Account{OwnerID: req.OwnerID, Address: req.Address}
	if err := a.db.ConnectAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (a stubAccounts) Disconnect(ctx context.Context, ownerID, accountID int64) error {
	return a.db.DisconnectAccount(ctx, accountID, ownerID)
}

type stubSyncer struct{}

func (stubSyncer) SyncAccount(ctx context.Context, acc *models.Account) (*ingest.SyncReport, error) {
	return &ingest.SyncReport{AccountID: acc.ID, Listed: 2, Ingested: 2, CursorAdvanced: true}, nil
}

type env struct {
	srv       *httptest.Server
	db        *database.DB
	mine      *models.Account
	secondary *models.Account
	emails    []*models.Email
	foreign   *models.Email
}

const owner = 10

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	e := &env{db: db}
	e.mine = &models.Account{OwnerID: owner, Address: "me@example.com"}
	require.NoError(t, db.ConnectAccount(ctx, e.mine))
	e.secondary = &models.Account{OwnerID: owner, Address: "alt@example.com"}
	require.NoError(t, db.ConnectAccount(ctx, e.secondary))
	theirs := &models.Account{OwnerID: 20, Address: "them@example.com"}
	require.NoError(t, db.ConnectAccount(ctx, theirs))

	news := &models.Category{OwnerID: owner, Name: "News"}
	require.NoError(t, db.CreateCategory(ctx, news))

	for i := range 3 {
		m := &models.Email{
			AccountID:  e.mine.ID,
			ProviderID: fmt.Sprintf("m%d", i),
			Sender:     "news@example.org",
			Subject:    fmt.Sprintf("issue %d", i),
			ReceivedAt: time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		if i == 0 {
			m.CategoryID = &news.ID
		}
		require.NoError(t, db.CreateEmail(ctx, m))
		e.emails = append(e.emails, m)
	}
	e.foreign = &models.Email{AccountID: theirs.ID, ProviderID: "x", Sender: "news@example.org"}
	require.NoError(t, db.CreateEmail(ctx, e.foreign))

	coord := bulk.NewCoordinator(db, nopGateway{}, stubAgent{}, bulk.Config{}, testLogger())
	s := NewServer(":0", Deps{
		Store:    db,
		Bulk:     coord,
		Accounts: stubAccounts{db: db},
		Syncer:   stubSyncer{},
	}, testLogger())

	e.srv = httptest.NewServer(s.Router())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set(OwnerHeader, fmt.Sprint(owner))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestOwnerHeaderRequired(t *testing.T) {
	e := newEnv(t)

	for _, v := range []string{"", "abc", "-1"} {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/stats", nil)
		if v != "" {
			req.Header.Set(OwnerHeader, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, v)
	}

	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBulkPartialFailureIsOK(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/emails/bulk", map[string]any{
		"action":    "archive",
		"email_ids": []int64{e.emails[0].ID, e.foreign.ID, e.emails[1].ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var report bulk.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "forbidden", report.Results[1].Error)
}

func TestBulkBadRequests(t *testing.T) {
	e := newEnv(t)

	cases := map[string]any{
		"unknown action": map[string]any{"action": "explode", "email_ids": []int64{1}},
		"no ids":         map[string]any{"action": "archive", "email_ids": []int64{}},
		"bad body":       "not an object",
	}
	for name, body := range cases {
		resp, _ := e.do(t, http.MethodPost, "/api/emails/bulk", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestUnsubscribeEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/api/emails/%d/unsubscribe", e.emails[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var item bulk.ItemResult
	require.NoError(t, json.Unmarshal(body, &item))
	assert.Equal(t, unsubscribe.OutcomeVerifiedSuccess, item.Outcome)
	assert.Equal(t, []string{"navigated", "confirmed"}, item.Steps)
	assert.Equal(t, int64(1), item.SiblingUpdatedCount)

	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/emails/%d/unsubscribe", e.foreign.ID), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/emails/99999/unsubscribe", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/emails/abc/unsubscribe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnsubscribeRunsEndpoint(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	require.NoError(t, e.db.CreateUnsubscribeRun(context.Background(), &models.UnsubscribeRun{
		ID:         "run-1",
		EmailID:    e.emails[1].ID,
		Outcome:    "VERIFIED_SUCCESS",
		Steps:      `["open page"]`,
		StartedAt:  now,
		FinishedAt: now,
	}))

	resp, body := e.do(t, http.MethodGet, fmt.Sprintf("/api/emails/%d/unsubscribe-runs", e.emails[1].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []models.UnsubscribeRun
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/emails/%d/unsubscribe-runs", e.emails[2].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/emails/%d/unsubscribe-runs", e.foreign.ID), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListEmailsAndStats(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/emails", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var emails []models.Email
	require.NoError(t, json.Unmarshal(body, &emails))
	require.Len(t, emails, 3)
	assert.Equal(t, "issue 2", emails[0].Subject, "newest first")

	_, body = e.do(t, http.MethodGet, "/api/emails?unclassified=true", nil)
	require.NoError(t, json.Unmarshal(body, &emails))
	assert.Len(t, emails, 2)

	resp, _ = e.do(t, http.MethodGet, "/api/emails?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = e.do(t, http.MethodGet, "/api/stats", nil)
	var stats models.EmailStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Unclassified)
	require.Len(t, stats.Categories, 1)
	assert.Equal(t, int64(1), stats.Categories[0].Count)
}

func TestCategoryLifecycle(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/categories", map[string]string{
		"name":        "Receipts",
		"description": "Purchase confirmations and invoices",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created models.Category
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, int64(owner), created.OwnerID)

	resp, _ = e.do(t, http.MethodPost, "/api/categories", map[string]string{"name": "Receipts"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/categories", map[string]string{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = e.do(t, http.MethodGet, "/api/categories", nil)
	var categories []models.Category
	require.NoError(t, json.Unmarshal(body, &categories))
	assert.Len(t, categories, 2)

	resp, body = e.do(t, http.MethodPatch, fmt.Sprintf("/api/categories/%d", created.ID), map[string]string{
		"name":        "Invoices",
		"description": "Bills and invoices",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated models.Category
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "Invoices", updated.Name)

	resp, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/categories/%d", created.ID), map[string]string{"name": "News"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPatch, "/api/categories/99999", map[string]string{"name": "Other"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	newsID := *e.emails[0].CategoryID
	resp, body = e.do(t, http.MethodDelete, fmt.Sprintf("/api/categories/%d", newsID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"reassigned":1}`, string(body))

	stored, err := e.db.GetEmailByID(context.Background(), e.emails[0].ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CategoryID)
}

func TestAccountEndpoints(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/accounts", map[string]string{"address": "new@example.com", "password": "pw"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/accounts", map[string]string{"address": "new@example.com", "password": "pw"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/accounts", map[string]string{"address": "x@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	_, body := e.do(t, http.MethodGet, "/api/accounts", nil)
	var accounts []models.Account
	require.NoError(t, json.Unmarshal(body, &accounts))
	assert.Len(t, accounts, 3)
	assert.NotContains(t, string(body), "password")

	resp, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/api/accounts/%d", e.mine.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "primary stays")

	resp, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/api/accounts/%d", e.secondary.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/accounts/%d/sync", e.secondary.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "inactive account")
}

func TestSyncEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/api/accounts/%d/sync", e.mine.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report ingest.SyncReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, e.mine.ID, report.AccountID)
	assert.Equal(t, 2, report.Ingested)

	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/accounts/%d/sync", e.foreign.AccountID), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
