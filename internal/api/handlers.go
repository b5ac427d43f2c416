package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mixelka/mailsweep/internal/account"
	"github.com/mixelka/mailsweep/internal/bulk"
	"github.com/mixelka/mailsweep/internal/database"
	"github.com/mixelka/mailsweep/internal/email"
	"github.com/mixelka/mailsweep/pkg/models"
)

const maxBulkItems = 500

type bulkRequest struct {
	Action   string  `json:"action"`
	EmailIDs []int64 `json:"email_ids"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action, err := bulk.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.EmailIDs) == 0 || len(req.EmailIDs) > maxBulkItems {
		writeError(w, http.StatusBadRequest, "email_ids must hold 1 to "+strconv.Itoa(maxBulkItems)+" ids")
		return
	}

	report, err := s.deps.Bulk.Apply(r.Context(), ownerFrom(r.Context()), action, req.EmailIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Partial failure is reported per item, the request itself succeeded
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	owner := ownerFrom(r.Context())

	if _, _, err := s.deps.Store.GetEmailForOwner(r.Context(), id, owner); err != nil {
		s.fail(w, r, err)
		return
	}

	report, err := s.deps.Bulk.Apply(r.Context(), owner, bulk.ActionUnsubscribe, []int64{id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Results[0])
}

func (s *Server) handleUnsubscribeRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	if _, _, err := s.deps.Store.GetEmailForOwner(r.Context(), id, ownerFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}

	runs, err := s.deps.Store.GetUnsubscribeRunsByEmail(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.UnsubscribeRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.EmailFilter{Unclassified: q.Get("unclassified") == "true"}

	if v := q.Get("category_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid category_id")
			return
		}
		filter.CategoryID = &id
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}

	emails, err := s.deps.Store.ListEmails(r.Context(), ownerFrom(r.Context()), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if emails == nil {
		emails = []*models.Email{}
	}
	writeJSON(w, http.StatusOK, emails)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetEmailStats(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.deps.Store.GetCategoriesByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if categories == nil {
		categories = []*models.Category{}
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var category models.Category
	if err := json.NewDecoder(r.Body).Decode(&category); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if category.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	category.ID = 0
	category.OwnerID = ownerFrom(r.Context())

	if err := s.deps.Store.CreateCategory(r.Context(), &category); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "categoryID")
	if !ok {
		return
	}
	var category models.Category
	if err := json.NewDecoder(r.Body).Decode(&category); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if category.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	category.ID = id
	category.OwnerID = ownerFrom(r.Context())

	if err := s.deps.Store.UpdateCategory(r.Context(), &category); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, category)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "categoryID")
	if !ok {
		return
	}

	reassigned, err := s.deps.Store.DeleteCategory(r.Context(), id, ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reassigned": reassigned})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.GetAccountsByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleConnectAccount(w http.ResponseWriter, r *http.Request) {
	var req account.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.OwnerID = ownerFrom(r.Context())

	acc, err := s.deps.Accounts.Connect(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) handleDisconnectAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountID")
	if !ok {
		return
	}

	if err := s.deps.Accounts.Disconnect(r.Context(), ownerFrom(r.Context()), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountID")
	if !ok {
		return
	}

	acc, err := s.deps.Store.GetAccountForOwner(r.Context(), id, ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !acc.IsActive {
		writeError(w, http.StatusConflict, "account is not active")
		return
	}

	report, err := s.deps.Syncer.SyncAccount(r.Context(), acc)
	if err != nil {
		s.logger.Error("on-demand sync failed", "account_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail maps domain errors to status codes; anything unknown is a 500 with
// the detail kept in the log.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, database.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, database.ErrPrimaryAccount):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bulk.ErrInvalidAction),
		errors.Is(err, email.ErrInvalidAddress),
		errors.Is(err, email.ErrUnsupportedProvider),
		errors.Is(err, account.ErrProviderDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrConnectionFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
