/*
handlers.go - HTTP API handlers for the gold ledger engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Register a wallet
    GET    /api/accounts/{id}               Full row view
    GET    /api/accounts/{id}/balance       Lazy balance read (no write)
    POST   /api/accounts/{id}/checkpoint    Commit accrued gold, re-anchor
    POST   /api/accounts/{id}/spend         Debit gold
    GET    /api/accounts/{id}/events        Audit trail

  Admin:
    GET    /api/admin/accounts/{id}/diagnose  Row health report
    POST   /api/admin/accounts/{id}/repair    Raise lifetime floor
    POST   /api/admin/accounts/{id}/verify    Flip verification gate
    POST   /api/admin/accounts/{id}/adjust    Manual balance correction
    POST   /api/admin/merge                   Merge duplicate rows by suffix
    POST   /api/admin/reconcile               Reconcile one account or all
    GET    /api/admin/reconcile/runs          Run history
    POST   /api/admin/backups                 Create backup
    GET    /api/admin/backups                 List backups
    POST   /api/admin/backups/{id}/restore    Restore from backup
    DELETE /api/admin/backups/{id}            Delete backup

ERROR HANDLING:
  Domain errors map to HTTP status via writeDomainError:
  - 400: malformed account id, negative amount, bad input
  - 404: unknown account or backup
  - 409: insufficient balance, version conflict (retryable), duplicate
  - 500: invariant violations, storage failures

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public;
  front the admin routes with an authenticating proxy in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mektycoon/gold-engine/archive"
	"github.com/mektycoon/gold-engine/ledger"
	"github.com/mektycoon/gold-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Rows       ledger.RowStore
	Audit      ledger.AuditLog
	Mutator    *ledger.Mutator
	Resolver   *ledger.Resolver
	Reconciler *reconcile.Reconciler
	Archive    *archive.Archive

	// Now is swappable for tests.
	Now func() time.Time
}

// NewHandler wires a handler over the engine components.
func NewHandler(rows ledger.RowStore, audit ledger.AuditLog, mutator *ledger.Mutator,
	resolver *ledger.Resolver, reconciler *reconcile.Reconciler, arch *archive.Archive) *Handler {
	return &Handler{
		Rows:       rows,
		Audit:      audit,
		Mutator:    mutator,
		Resolver:   resolver,
		Reconciler: reconciler,
		Archive:    arch,
		Now:        time.Now,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// RegisterAccount creates a ledger row for a wallet.
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	row, err := h.Mutator.Register(r.Context(), ledger.AccountID(req.AccountID), fromAssetDTOs(req.Assets))
	if err != nil {
		writeDomainError(w, "Failed to register account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(row))
}

// GetAccount returns the full stored row.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	row, err := h.Rows.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// GetBalance is the lazy read path: stored state plus gold accrued since
// the anchor, computed on the fly. Nothing is written.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	row, err := h.Rows.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(row, h.Now()))
}

// Checkpoint commits accrued gold into the stored balance and moves the
// anchor to now.
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	row, err := h.Mutator.Checkpoint(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to checkpoint account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// Spend debits gold. Accrued gold is committed first so the debit sees
// the full available balance.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	row, err := h.Mutator.Spend(r.Context(), id, ledger.Gold(req.Amount), req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to spend", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// GetEvents returns the audit trail for an account, newest first.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	events, err := h.Audit.Query(r.Context(), ledger.EventFilter{
		AccountID: &id,
		Limit:     200,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query events", err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// DiagnoseAccount returns a health report for one row.
func (h *Handler) DiagnoseAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	row, err := h.Rows.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to diagnose account", err)
		return
	}

	writeJSON(w, http.StatusOK, ledger.Diagnose(row, h.Now()))
}

// RepairAccount raises the lifetime floor of a row that fails the
// accounting identity.
func (h *Handler) RepairAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	row, err := h.Mutator.Repair(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to repair account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// VerifyAccount flips the ownership verification gate.
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	row, err := h.Mutator.SetVerified(r.Context(), id, req.Verified)
	if err != nil {
		writeDomainError(w, "Failed to set verification", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// AdjustAccount applies a signed manual correction.
func (h *Handler) AdjustAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "Adjustment requires a reason", nil)
		return
	}

	row, err := h.Mutator.Adjust(r.Context(), id, ledger.Gold(req.Delta), req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to adjust account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// MergeAccounts consolidates duplicate rows whose account ids share a
// suffix into the oldest row.
func (h *Handler) MergeAccounts(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Suffix == "" {
		writeError(w, http.StatusBadRequest, "Merge requires a suffix", nil)
		return
	}

	row, err := h.Resolver.MergeBySuffix(r.Context(), req.Suffix)
	if err != nil {
		writeDomainError(w, "Failed to merge accounts", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(row))
}

// TriggerReconcile runs reconciliation for one account, or the full
// population when no account is given.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.Body != nil {
		// Empty body means full run.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.AccountID != "" {
		if err := h.Reconciler.RunAccount(r.Context(), ledger.AccountID(req.AccountID)); err != nil {
			writeDomainError(w, "Failed to reconcile account", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "account_id": req.AccountID})
		return
	}

	run, err := h.Reconciler.RunAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reconciliation run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListReconcileRuns returns recent reconciliation run records.
func (h *Handler) ListReconcileRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Reconciler.Runs.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []reconcile.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// BACKUP HANDLERS
// =============================================================================

// CreateBackup exports all rows at their current computed balances.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req CreateBackupRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	typ := archive.BackupType(req.Type)
	if typ == "" {
		typ = archive.BackupManual
	}

	backup, err := h.Archive.Create(r.Context(), typ, req.Name, req.Notes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, backup)
}

// ListBackups returns backup headers, newest first.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.Archive.Backups.ListBackups(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list backups", err)
		return
	}
	if backups == nil {
		backups = []archive.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

// RestoreBackup writes a backup's rows back through the store.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	restored, err := h.Archive.Restore(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to restore backup", err)
		return
	}
	writeJSON(w, http.StatusOK, RestoreResultDTO{BackupID: id, Restored: restored})
}

// DeleteBackup removes a backup.
func (h *Handler) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Archive.Delete(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete backup", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var status int
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrBackupInUse):
		status = http.StatusConflict
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	case ledger.IsRetryable(err):
		status = http.StatusConflict
		resp.Retryable = true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, resp)
}
