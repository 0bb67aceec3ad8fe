package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/driftlab/driftsync/internal/hlc"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/server/storage"
	"github.com/driftlab/driftsync/internal/validation"
	"github.com/driftlab/driftsync/pkg/api"
)

const (
	defaultPullLimit = 200
	maxPullLimit     = 1000

	defaultGCBatchSize = 500
	// maxGCContinuations предел продолжений одного вызова GC:
	// дальше дочистит следующий запуск по расписанию
	maxGCContinuations = 8
)

// SyncHandler handles push, pull, update-cursor and gc requests
type SyncHandler struct {
	logger    *slog.Logger
	changeLog storage.ChangeLogStorage
	cursors   storage.CursorStorage
	members   storage.MemberStorage
	retention storage.RetentionStorage

	// Retention параметры GC
	retentionWindow uint64
	cursorTTL       time.Duration

	// Пуши одной workspace применяются последовательно, разные
	// workspace не блокируют друг друга
	locks sync.Map // workspace_id -> *sync.Mutex
}

// SyncHandlerConfig параметры создания SyncHandler
type SyncHandlerConfig struct {
	ChangeLog storage.ChangeLogStorage
	Cursors   storage.CursorStorage
	Members   storage.MemberStorage
	Retention storage.RetentionStorage

	// RetentionWindow сколько версий ниже минимального курсора сохранять
	RetentionWindow uint64
	// CursorTTL через сколько непродвигавшийся курсор считается заброшенным
	CursorTTL time.Duration
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, cfg SyncHandlerConfig) *SyncHandler {
	return &SyncHandler{
		logger:          logger,
		changeLog:       cfg.ChangeLog,
		cursors:         cfg.Cursors,
		members:         cfg.Members,
		retention:       cfg.Retention,
		retentionWindow: cfg.RetentionWindow,
		cursorTTL:       cfg.CursorTTL,
	}
}

func (h *SyncHandler) workspaceLock(workspaceID string) *sync.Mutex {
	lock, _ := h.locks.LoadOrStore(workspaceID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// authorize проверяет членство пользователя в workspace, указанном в запросе.
// Кешированный или "текущий" workspace сессии здесь не используется:
// проверка всегда идет по workspace из запроса.
func (h *SyncHandler) authorize(r *http.Request, workspaceID string) (*models.WorkspaceMember, api.ErrorCode) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		return nil, api.ErrCodeUnauthorized
	}
	if workspaceID == "" {
		return nil, api.ErrCodeValidation
	}

	member, err := h.members.GetMember(r.Context(), workspaceID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrMemberNotFound) {
			h.logger.Warn("Workspace access denied",
				"user_id", userID,
				"workspace_id", workspaceID)
			return nil, api.ErrCodeUnauthorized
		}
		h.logger.Error("Failed to check membership", "error", err)
		return nil, api.ErrCodeInternal
	}

	return member, ""
}

// authorizeDevice сверяет устройство из запроса с device_id из токена.
// Курсор и операции устройства может продвигать только само устройство,
// иначе участник workspace мог бы поднять чужой курсор и retention
// удалил бы непрочитанные записи.
func (h *SyncHandler) authorizeDevice(r *http.Request, deviceID string) api.ErrorCode {
	tokenDevice, ok := GetDeviceID(r.Context())
	if !ok || tokenDevice != deviceID {
		h.logger.Warn("Device mismatch",
			"token_device", tokenDevice,
			"request_device", deviceID)
		return api.ErrCodeUnauthorized
	}
	return ""
}

// HandlePush обрабатывает POST /api/v1/sync/push
func (h *SyncHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, api.ErrCodeValidation, "method not allowed")
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode push request", "error", err)
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid request body")
		return
	}

	member, code := h.authorize(r, req.WorkspaceID)
	if code != "" {
		writeErrorCode(w, code)
		return
	}
	if code := h.authorizeDevice(r, req.DeviceID); code != "" {
		writeErrorCode(w, code)
		return
	}

	h.logger.Info("Push request",
		"workspace_id", req.WorkspaceID,
		"device_id", req.DeviceID,
		"ops", len(req.Ops))

	// Sequential apply: версии назначаются в том же порядке, в котором
	// применяются записи
	lock := h.workspaceLock(req.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	results := make([]api.OpResult, 0, len(req.Ops))
	conflicts := 0

	for _, op := range req.Ops {
		// Валидация идет по payload в wire-виде, без переименования полей
		if err := validateOp(op); err != nil {
			code := api.ErrCodeValidation
			if errors.Is(err, validation.ErrUnknownTable) {
				code = api.ErrCodeUnknownTable
			}
			results = append(results, api.OpResult{
				OpID:      op.OpID,
				Status:    api.OpStatusRejected,
				ErrorCode: code,
			})
			continue
		}

		applied, err := h.changeLog.ApplyOp(r.Context(), &models.ChangeLogEntry{
			WorkspaceID: req.WorkspaceID,
			Table:       op.Table,
			PK:          op.PK,
			OpID:        op.OpID,
			DeviceID:    req.DeviceID,
			Operation:   models.Operation(op.Operation),
			Payload:     op.Payload,
			Clock: hlc.Clock{
				Physical: op.Clock.Physical,
				Logical:  op.Clock.Logical,
				DeviceID: op.Clock.DeviceID,
			},
		})
		if err != nil {
			h.logger.Error("Failed to apply op",
				"op_id", op.OpID,
				"error", err)
			results = append(results, api.OpResult{
				OpID:      op.OpID,
				Status:    api.OpStatusRejected,
				ErrorCode: api.ErrCodeInternal,
			})
			continue
		}

		result := api.OpResult{
			OpID:          op.OpID,
			Status:        api.OpStatusAccepted,
			ServerVersion: applied.ServerVersion,
		}
		if applied.Conflict {
			result.Conflict = true
			result.WinnerClock = &api.Clock{
				Physical: applied.Winner.Physical,
				Logical:  applied.Winner.Logical,
				DeviceID: applied.Winner.DeviceID,
			}
			conflicts++
		}
		results = append(results, result)
	}

	h.logger.Info("Push completed",
		"workspace_id", req.WorkspaceID,
		"user_id", member.UserID,
		"ops", len(req.Ops),
		"conflicts", conflicts)

	writeJSON(w, http.StatusOK, api.PushResponse{Results: results})
}

// validateOp проверяет операцию против канонической wire-схемы ее таблицы
func validateOp(op api.Op) error {
	switch op.Operation {
	case api.OpPut:
		return validation.ValidatePut(op.Table, op.Payload)
	case api.OpDelete:
		return validation.ValidateDelete(op.Table, op.Payload)
	default:
		return validation.ErrUnknownOperation
	}
}

// HandlePull обрабатывает GET /api/v1/sync/pull?workspace_id=...&cursor=...&limit=...
func (h *SyncHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, api.ErrCodeValidation, "method not allowed")
		return
	}

	workspaceID := r.URL.Query().Get("workspace_id")
	if _, code := h.authorize(r, workspaceID); code != "" {
		writeErrorCode(w, code)
		return
	}

	cursor, err := parseUintParam(r, "cursor", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid cursor parameter")
		return
	}

	limit, err := parseUintParam(r, "limit", defaultPullLimit)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid limit parameter")
		return
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	// Запрашиваем на одну запись больше, чтобы узнать про хвост
	entries, err := h.changeLog.ListChanges(r.Context(), workspaceID, cursor, int(limit)+1)
	if err != nil {
		h.logger.Error("Failed to list changes", "error", err)
		writeErrorCode(w, api.ErrCodeInternal)
		return
	}

	hasMore := len(entries) > int(limit)
	if hasMore {
		entries = entries[:limit]
	}

	changes := make([]api.SyncChange, 0, len(entries))
	nextCursor := cursor
	for _, entry := range entries {
		changes = append(changes, api.SyncChange{
			Table:     entry.Table,
			PK:        entry.PK,
			Operation: api.Operation(entry.Operation),
			Payload:   entry.Payload,
			Clock: api.Clock{
				Physical: entry.Clock.Physical,
				Logical:  entry.Clock.Logical,
				DeviceID: entry.Clock.DeviceID,
			},
			ServerVersion: entry.ServerVersion,
		})
		nextCursor = entry.ServerVersion
	}

	writeJSON(w, http.StatusOK, api.PullResponse{
		Changes:    changes,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	})
}

// HandleUpdateCursor обрабатывает POST /api/v1/sync/cursor
func (h *SyncHandler) HandleUpdateCursor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, api.ErrCodeValidation, "method not allowed")
		return
	}

	var req api.UpdateCursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid request body")
		return
	}

	if _, code := h.authorize(r, req.WorkspaceID); code != "" {
		writeErrorCode(w, code)
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "device_id is required")
		return
	}
	if code := h.authorizeDevice(r, req.DeviceID); code != "" {
		writeErrorCode(w, code)
		return
	}

	// Откат курсора не принимается: в ответ уходит действующее значение
	effective, err := h.cursors.SaveCursor(r.Context(), &models.DeviceCursor{
		WorkspaceID: req.WorkspaceID,
		DeviceID:    req.DeviceID,
		Cursor:      req.Cursor,
		UpdatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("Failed to save cursor", "error", err)
		writeErrorCode(w, api.ErrCodeInternal)
		return
	}

	writeJSON(w, http.StatusOK, api.UpdateCursorResponse{Cursor: effective})
}

// HandleGC обрабатывает POST /api/v1/admin/gc. Только для администраторов
// workspace. Один вызов выполняет ограниченное число батчей; незаконченную
// работу продолжает следующий вызов через continuation_cursor.
func (h *SyncHandler) HandleGC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, api.ErrCodeValidation, "method not allowed")
		return
	}

	var req api.GCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid request body")
		return
	}

	member, code := h.authorize(r, req.WorkspaceID)
	if code != "" {
		writeErrorCode(w, code)
		return
	}
	if member.Role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, api.ErrCodeUnauthorized, "gc requires admin role")
		return
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultGCBatchSize
	}

	floor, err := h.retention.RetentionFloor(r.Context(), req.WorkspaceID, h.retentionWindow, h.cursorTTL)
	if err != nil {
		h.logger.Error("Failed to compute retention floor", "error", err)
		writeErrorCode(w, api.ErrCodeInternal)
		return
	}

	resp := api.GCResponse{}
	after := req.ContinuationCursor

	for i := 0; i < maxGCContinuations; i++ {
		result, err := h.retention.PruneBatch(r.Context(), req.WorkspaceID, floor, after, batchSize)
		if err != nil {
			h.logger.Error("Failed to prune change log", "error", err)
			writeErrorCode(w, api.ErrCodeInternal)
			return
		}

		resp.DeletedCount += result.Deleted
		resp.ContinuationCursor = result.NextCursor

		if result.NextCursor == 0 {
			break
		}
		after = result.NextCursor
	}

	h.logger.Info("GC pass completed",
		"workspace_id", req.WorkspaceID,
		"floor", floor,
		"deleted", resp.DeletedCount,
		"continuation", resp.ContinuationCursor)

	writeJSON(w, http.StatusOK, resp)
}

func parseUintParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError отправляет структурированную ошибку.
// Клиент классифицирует ее по code, не по тексту.
func writeError(w http.ResponseWriter, status int, code api.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeErrorCode(w http.ResponseWriter, code api.ErrorCode) {
	switch code {
	case api.ErrCodeUnauthorized:
		writeError(w, http.StatusForbidden, code, "workspace access denied")
	case api.ErrCodeValidation:
		writeError(w, http.StatusBadRequest, code, "invalid request")
	default:
		writeError(w, http.StatusInternalServerError, code, "internal error")
	}
}
