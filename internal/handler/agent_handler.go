package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/attendsync/internal/ingest"
	"github.com/hitoshi/attendsync/internal/middleware"
	"github.com/hitoshi/attendsync/internal/mirror"
	"github.com/hitoshi/attendsync/internal/model"
	"github.com/hitoshi/attendsync/internal/worker/upload"
)

// SyncStateReader は同期状態のスナップショットを返すインターフェース。
type SyncStateReader interface {
	Snapshot() mirror.StateSnapshot
}

// SyncTrigger は同期をバックグラウンドで開始するインターフェース。
// 実行中の場合はmirror.ErrSyncInProgressを返す。
type SyncTrigger interface {
	Trigger(ctx context.Context) error
}

// AttendanceUploader は今日の出席CSVをアップロードするインターフェース。
type AttendanceUploader interface {
	Enabled() bool
	UploadToday(ctx context.Context) (*upload.Result, error)
}

// AttendanceLog は端末の出席CSVを読み書きするインターフェース。
type AttendanceLog interface {
	Today() time.Time
	FileName(day time.Time) string
	Read(day time.Time) ([]ingest.LogEntry, error)
	Record(name string, action model.Action) (ingest.LogEntry, error)
}

// AgentInfo はエージェントのステータス表示に使う設定値。
type AgentInfo struct {
	SyncInterval   time.Duration
	UploadInterval time.Duration
	UploadURL      string
}

// AgentHandler は端末エージェントのローカルAPIのHTTPハンドラー。
type AgentHandler struct {
	state     SyncStateReader
	trigger   SyncTrigger
	uploader  AttendanceUploader
	log       AttendanceLog
	info      AgentInfo
	startedAt time.Time
	now       func() time.Time
}

// NewAgentHandler はAgentHandlerを生成する。
func NewAgentHandler(
	state SyncStateReader,
	trigger SyncTrigger,
	uploader AttendanceUploader,
	log AttendanceLog,
	info AgentInfo,
) *AgentHandler {
	return &AgentHandler{
		state:     state,
		trigger:   trigger,
		uploader:  uploader,
		log:       log,
		info:      info,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// serviceResponse はエージェントの稼働状況。
type serviceResponse struct {
	Service   string          `json:"service"`
	Status    string          `json:"status"`
	Uptime    string          `json:"uptime"`
	StartedAt time.Time       `json:"started_at"`
	Sync      syncInfo        `json:"sync"`
	Upload    uploadInfo      `json:"upload"`
	Today     todayAttendance `json:"today_attendance"`
}

type syncInfo struct {
	Running         bool       `json:"running"`
	IntervalMinutes float64    `json:"interval_minutes"`
	LastSync        *time.Time `json:"last_sync"`
	TotalImages     int        `json:"total_images"`
}

type uploadInfo struct {
	Enabled         bool    `json:"enabled"`
	IntervalMinutes float64 `json:"interval_minutes"`
	BackendURL      string  `json:"backend_url,omitempty"`
}

type todayAttendance struct {
	File         string `json:"file"`
	TotalRecords int    `json:"total_records"`
}

// Status はエージェントの稼働状況を返す。
// GET / および GET /status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()
	day := h.log.Today()

	entries, err := h.log.Read(day)
	if err != nil {
		slog.Warn("出席ログの読み込みに失敗しました", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, serviceResponse{
		Service:   "attendsync agent",
		Status:    "running",
		Uptime:    h.now().Sub(h.startedAt).Truncate(time.Second).String(),
		StartedAt: h.startedAt,
		Sync: syncInfo{
			Running:         snap.Running,
			IntervalMinutes: h.info.SyncInterval.Minutes(),
			LastSync:        snap.LastSync,
			TotalImages:     snap.TotalFiles,
		},
		Upload: uploadInfo{
			Enabled:         h.uploader.Enabled(),
			IntervalMinutes: h.info.UploadInterval.Minutes(),
			BackendURL:      h.info.UploadURL,
		},
		Today: todayAttendance{
			File:         h.log.FileName(day),
			TotalRecords: len(entries),
		},
	})
}

// SyncStatus は最後の同期結果と実行状態を返す。
// GET /api/sync/status
func (h *AgentHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// ManualSync は同期をバックグラウンドで開始する。
// POST /sync/manual
func (h *AgentHandler) ManualSync(w http.ResponseWriter, r *http.Request) {
	slog.Info("手動同期が要求されました")

	if err := h.trigger.Trigger(r.Context()); err != nil {
		if errors.Is(err, mirror.ErrSyncInProgress) {
			middleware.WriteAPIError(w, model.NewSyncInProgressError())
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"message":  "同期を開始しました",
	})
}

// ManualUpload は今日の出席CSVを即時アップロードする。
// POST /upload/manual
func (h *AgentHandler) ManualUpload(w http.ResponseWriter, r *http.Request) {
	slog.Info("手動アップロードが要求されました")

	result, err := h.uploader.UploadToday(r.Context())
	if err != nil {
		if errors.Is(err, upload.ErrDisabled) {
			middleware.WriteAPIError(w, model.NewUploadDisabledError())
			return
		}
		slog.Error("手動アップロードに失敗しました", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewUploadFailedError(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// todayResponse は今日の出席CSVの内容。
type todayResponse struct {
	Date    string            `json:"date"`
	File    string            `json:"file"`
	Records []ingest.LogEntry `json:"records"`
	Total   int               `json:"total"`
}

// TodayAttendance は今日の出席CSVの行を返す。
// GET /attendance/today
func (h *AgentHandler) TodayAttendance(w http.ResponseWriter, r *http.Request) {
	day := h.log.Today()

	entries, err := h.log.Read(day)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []ingest.LogEntry{}
	}

	writeJSON(w, http.StatusOK, todayResponse{
		Date:    day.Format(dateParamLayout),
		File:    h.log.FileName(day),
		Records: entries,
		Total:   len(entries),
	})
}

// recordRequest は出席記録リクエストのボディ。
type recordRequest struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// RecordAttendance は出席CSVに1件追記する。
// POST /attendance/record
func (h *AgentHandler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("正しいJSON形式でリクエストしてください"))
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("name が空です"))
		return
	}
	action, ok := ingest.NormalizeAction(req.Status)
	if !ok {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("status は IN または OUT を指定してください"))
		return
	}

	entry, err := h.log.Record(name, action)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}
