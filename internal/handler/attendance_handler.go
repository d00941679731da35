package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/attendsync/internal/ingest"
	"github.com/hitoshi/attendsync/internal/middleware"
	"github.com/hitoshi/attendsync/internal/model"
	"github.com/hitoshi/attendsync/internal/timestamp"
)

// maxUploadSize はWebhookで受け付けるボディの上限。
const maxUploadSize = 10 << 20

// dateParamLayout はレスポンスに含める日付の形式。
const dateParamLayout = "2006-01-02"

// Ingester は出席イベントのバッチを取り込むインターフェース。
type Ingester interface {
	Ingest(ctx context.Context, rows []model.EventRow, today time.Time) (*model.IngestReport, error)
}

// AttendanceSummarizer は出席状況の集計を返すインターフェース。
type AttendanceSummarizer interface {
	Summary(ctx context.Context, date time.Time) (*model.AttendanceSummary, error)
}

// AttendanceHandler は出席データ取り込みAPIのHTTPハンドラー。
type AttendanceHandler struct {
	ingester Ingester
	summary  AttendanceSummarizer
	loc      *time.Location
	dates    *timestamp.Normalizer
	now      func() time.Time
}

// NewAttendanceHandler はAttendanceHandlerを生成する。
// locは基準日の解釈に使うタイムゾーン。nilの場合はtime.Local。
func NewAttendanceHandler(ingester Ingester, summary AttendanceSummarizer, loc *time.Location) *AttendanceHandler {
	if loc == nil {
		loc = time.Local
	}
	return &AttendanceHandler{
		ingester: ingester,
		summary:  summary,
		loc:      loc,
		dates:    timestamp.NewNormalizer(loc),
		now:      time.Now,
	}
}

// webhookSummary は取り込み結果の集計。
type webhookSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// rowErrorResponse はエラーまたは重複となった行。
type rowErrorResponse struct {
	Row     int    `json:"row"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// webhookResponse はWebhookのレスポンスボディ。
type webhookResponse struct {
	Summary    webhookSummary     `json:"summary"`
	Incomplete bool               `json:"incomplete"`
	Details    []model.RowResult  `json:"details"`
	Errors     []rowErrorResponse `json:"errors"`
}

// Webhook は出席イベントのバッチを取り込む。
// POST /api/attendance/webhook
//
// ボディはCSV、JSON配列、XLSXのいずれか。multipart/form-dataの場合は最初のファイルを使用する。
func (h *AttendanceHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	today, apiErr := h.referenceDate(r)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	rows, status, apiErr := decodeRequestRows(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	report, err := h.ingester.Ingest(r.Context(), rows, today)
	if err != nil {
		if errors.Is(err, ingest.ErrNoRows) {
			middleware.WriteAPIError(w, model.NewEmptyDatasetError())
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toWebhookResponse(report))
}

// Status は指定日（省略時は今日）の出席状況を返す。
// GET /api/attendance/status
func (h *AttendanceHandler) Status(w http.ResponseWriter, r *http.Request) {
	date, apiErr := h.referenceDate(r)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	summary, err := h.summary.Summary(r.Context(), date)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// referenceDate は ?date= パラメータから基準日を決定する。
func (h *AttendanceHandler) referenceDate(r *http.Request) (time.Time, *model.APIError) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		now := h.now().In(h.loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.loc), nil
	}

	d, ok := h.dates.ParseDate(raw)
	if !ok {
		return time.Time{}, model.NewInvalidDateError(raw)
	}
	return d, nil
}

// decodeRequestRows はContent-Typeに応じてボディを行に変換する。
// エラー時はHTTPステータスとAPIErrorを返す。
func decodeRequestRows(r *http.Request) ([]model.EventRow, int, *model.APIError) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var (
		format ingest.Format
		body   io.Reader = r.Body
	)

	if mediaType == "multipart/form-data" {
		part, f, apiErr := firstFilePart(r)
		if apiErr != nil {
			return nil, http.StatusBadRequest, apiErr
		}
		if part == nil {
			return nil, http.StatusUnsupportedMediaType, model.NewUnsupportedFormatError(contentType)
		}
		defer part.Close()
		format, body = f, part
	} else {
		f, ok := ingest.FormatFromContentType(contentType)
		if !ok {
			return nil, http.StatusUnsupportedMediaType, model.NewUnsupportedFormatError(contentType)
		}
		format = f
	}

	rows, err := ingest.Decode(format, body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("データサイズが上限を超えています")
		}
		return nil, http.StatusBadRequest, model.NewInvalidRequestError(err.Error())
	}
	return rows, 0, nil
}

// firstFilePart はmultipartボディから最初のファイルパートを取り出す。
// 形式を判別できない場合はpartにnilを返す。
func firstFilePart(r *http.Request) (io.ReadCloser, ingest.Format, *model.APIError) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", model.NewInvalidRequestError(err.Error())
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", model.NewInvalidRequestError("ファイルが含まれていません")
		}
		if err != nil {
			return nil, "", model.NewInvalidRequestError(err.Error())
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		if f, ok := ingest.FormatFromFilename(part.FileName()); ok {
			return part, f, nil
		}
		if f, ok := ingest.FormatFromContentType(part.Header.Get("Content-Type")); ok {
			return part, f, nil
		}
		slog.Warn("未対応のファイル形式です", slog.String("filename", part.FileName()))
		part.Close()
		return nil, "", nil
	}
}

func toWebhookResponse(report *model.IngestReport) webhookResponse {
	resp := webhookResponse{
		Summary: webhookSummary{
			Total:      report.Total,
			Successful: report.Successful,
			Failed:     report.Failed,
			Duplicates: report.Duplicates,
		},
		Incomplete: report.Incomplete,
		Details:    report.Rows,
		Errors:     []rowErrorResponse{},
	}
	if resp.Details == nil {
		resp.Details = []model.RowResult{}
	}
	for _, row := range report.Rows {
		if row.Error == "" {
			continue
		}
		resp.Errors = append(resp.Errors, rowErrorResponse{
			Row:     row.Row,
			Error:   row.Error,
			Message: row.Message,
		})
	}
	return resp
}
