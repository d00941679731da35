// Package upload は端末で記録した出席CSVを取り込みサーバーへ送信するジョブを提供する。
package upload

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/attendsync/internal/ingest"
)

// ErrDisabled は送信先URLが設定されていない場合に返される。
var ErrDisabled = errors.New("アップロード先が設定されていません")

const (
	// userAgent は送信時のUser-Agent。
	userAgent = "attendsync/1.0 uploader"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 5 * 1024 * 1024
	// maxLoggedErrors はログに出力する行エラーの件数。
	maxLoggedErrors = 3
	// finalUploadTimeout は停止時の最終アップロードの期限。
	finalUploadTimeout = 30 * time.Second
)

// LogReader は日次出席CSVの読み取りインターフェース。
// *ingest.CSVLog が実装する。
type LogReader interface {
	Today() time.Time
	FileName(day time.Time) string
	Read(day time.Time) ([]ingest.LogEntry, error)
}

// MetricsRecorder はアップロード結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordUpload(success bool)
}

// Config はアップロードジョブの設定。
type Config struct {
	// URL は取り込みWebhookのURL。空の場合はアップロードを行わない。
	URL string
	// WebhookKey は X-Webhook-Key ヘッダーに設定するキー。
	WebhookKey string
	// Interval はアップロード間隔（デフォルト: 10分）。
	Interval time.Duration
	// InitialDelay は起動から最初のアップロードまでの待機時間（デフォルト: 2分）。
	InitialDelay time.Duration
}

// Summary はサーバーが返す取り込み集計。
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// RowError はサーバーが返す行単位のエラー。
type RowError struct {
	Row     int    `json:"row"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Result は1回のアップロード結果。
type Result struct {
	File       string     `json:"file"`
	Sent       int        `json:"sent"`
	Summary    Summary    `json:"summary"`
	Incomplete bool       `json:"incomplete"`
	Errors     []RowError `json:"errors,omitempty"`
}

type webhookResponse struct {
	Summary    Summary    `json:"summary"`
	Incomplete bool       `json:"incomplete"`
	Errors     []RowError `json:"errors"`
}

// Uploader は当日の出席CSVを取り込みWebhookへ送信する。
// 定期実行と手動実行が同時に走らないよう直列化する。
type Uploader struct {
	cfg        Config
	log        LogReader
	httpClient *http.Client
	logger     *slog.Logger
	metrics    MetricsRecorder
	mu         sync.Mutex

	// 定期実行のバックオフ状態。mu で保護する。
	consecutiveErrors int
	nextAttemptAt     time.Time
	now               func() time.Time
}

// NewUploader は新しいUploaderを生成する。
func NewUploader(cfg Config, log LogReader, httpClient *http.Client, logger *slog.Logger) *Uploader {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	return &Uploader{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// WithMetrics はメトリクス記録先を設定する。
func (u *Uploader) WithMetrics(m MetricsRecorder) *Uploader {
	u.metrics = m
	return u
}

// Enabled は送信先が設定されているかどうかを返す。
func (u *Uploader) Enabled() bool {
	return u.cfg.URL != ""
}

// Start は初回待機の後、Intervalごとにアップロードを実行する。
// コンテキストがキャンセルされると最終アップロードを1回行ってから戻る。
func (u *Uploader) Start(ctx context.Context) {
	if !u.Enabled() {
		u.logger.Info("アップロード先が未設定のため出席アップロードジョブを起動しません")
		return
	}

	u.logger.Info("出席アップロードジョブを開始しました",
		slog.Duration("interval", u.cfg.Interval),
		slog.Duration("initial_delay", u.cfg.InitialDelay),
	)

	timer := time.NewTimer(u.cfg.InitialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		u.finalUpload(ctx)
		return
	case <-timer.C:
	}

	u.runScheduled(ctx)

	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.finalUpload(ctx)
			return
		case <-ticker.C:
			u.runScheduled(ctx)
		}
	}
}

func (u *Uploader) finalUpload(ctx context.Context) {
	u.logger.Info("停止前に最終アップロードを実行します")
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalUploadTimeout)
	defer cancel()
	u.runLogged(finalCtx)
	u.logger.Info("出席アップロードジョブを停止しました")
}

func (u *Uploader) runLogged(ctx context.Context) {
	_, err := u.UploadToday(ctx)
	u.applyRetry(err)
	if err != nil {
		u.logger.Error("出席データのアップロードに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// runScheduled はバックオフ期間中であれば送信をスキップする。
func (u *Uploader) runScheduled(ctx context.Context) {
	if wait, ok := u.backoffRemaining(); ok {
		u.logger.Info("バックオフ中のためアップロードをスキップしました",
			slog.Duration("remaining", wait),
		)
		return
	}
	u.runLogged(ctx)
}

func (u *Uploader) backoffRemaining() (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	wait := u.nextAttemptAt.Sub(u.now())
	return wait, wait > 0
}

// applyRetry はアップロード結果に応じてバックオフ状態を更新する。
func (u *Uploader) applyRetry(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch ClassifyError(err) {
	case RetryNone:
		u.consecutiveErrors = 0
		u.nextAttemptAt = time.Time{}
	case RetryBackoff:
		delay := CalculateBackoff(u.consecutiveErrors)
		u.consecutiveErrors++
		u.nextAttemptAt = u.now().Add(delay)
		u.logger.Warn("アップロードをバックオフします",
			slog.Int("consecutive_errors", u.consecutiveErrors),
			slog.Duration("delay", delay),
		)
	case RetryFatal:
		// 再送しても解消しないため通常間隔のまま続行する
		u.consecutiveErrors = 0
		u.nextAttemptAt = time.Time{}
		u.logger.Error("取り込みサーバーに拒否されました。設定を確認してください")
	}
}

// UploadToday は当日の出席CSVを送信する。
// ファイルが存在しない、または行がない場合は送信せずSent=0の結果を返す。
func (u *Uploader) UploadToday(ctx context.Context) (*Result, error) {
	if !u.Enabled() {
		return nil, ErrDisabled
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	day := u.log.Today()
	result := &Result{File: u.log.FileName(day)}

	entries, err := u.log.Read(day)
	if err != nil {
		return nil, fmt.Errorf("出席CSVの読み込みに失敗しました: %w", err)
	}
	if len(entries) == 0 {
		u.logger.Info("アップロード対象の出席データはありません",
			slog.String("file", result.File),
		)
		return result, nil
	}

	body, err := encodeWebhookCSV(entries)
	if err != nil {
		return nil, err
	}

	u.logger.Info("出席データをアップロードします",
		slog.String("file", result.File),
		slog.Int("rows", len(entries)),
	)

	resp, err := u.post(ctx, body)
	if err != nil {
		u.recordMetrics(false)
		return nil, err
	}

	result.Sent = len(entries)
	result.Summary = resp.Summary
	result.Incomplete = resp.Incomplete
	result.Errors = resp.Errors
	u.recordMetrics(true)

	u.logger.Info("出席データのアップロードが完了しました",
		slog.Int("successful", resp.Summary.Successful),
		slog.Int("failed", resp.Summary.Failed),
		slog.Int("duplicates", resp.Summary.Duplicates),
		slog.Bool("incomplete", resp.Incomplete),
	)
	if len(resp.Errors) > 0 {
		u.logger.Warn("アップロードした行の一部でエラーが発生しました",
			slog.Int("error_count", len(resp.Errors)),
		)
		for _, e := range resp.Errors[:min(len(resp.Errors), maxLoggedErrors)] {
			u.logger.Warn("行エラー",
				slog.Int("row", e.Row),
				slog.String("error", e.Error),
				slog.String("message", e.Message),
			)
		}
	}

	return result, nil
}

func (u *Uploader) post(ctx context.Context, body []byte) (*webhookResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-Webhook-Key", u.cfg.WebhookKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("取り込みサーバーへの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if ClassifyHTTPStatus(resp.StatusCode) != RetryNone {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out webhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return &out, nil
}

func (u *Uploader) recordMetrics(success bool) {
	if u.metrics != nil {
		u.metrics.RecordUpload(success)
	}
}

// encodeWebhookCSV は端末のログ形式（name,status,timestamp）を
// 取り込みWebhookの形式（enrollment_number,status,timestamp）に変換する。
func encodeWebhookCSV(entries []ingest.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"enrollment_number", "status", "timestamp"}); err != nil {
		return nil, fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
	}
	for _, e := range entries {
		if err := w.Write([]string{e.Name, strings.ToLower(e.Status), e.Timestamp}); err != nil {
			return nil, fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}
