// Package ingest は出席イベントの取り込み（検証・重複排除・日次記録へのマージ）を提供する。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/attendsync/internal/model"
	"github.com/hitoshi/attendsync/internal/repository"
	"github.com/hitoshi/attendsync/internal/timestamp"
)

// ErrNoRows は取り込む行が1行もない場合に返される。
var ErrNoRows = errors.New("取り込む行がありません")

// DefaultSource は記録に付与するデフォルトの取り込み元タグ。
const DefaultSource = "webhook"

// 列名の別名。先頭ほど優先される。
var (
	identityAliases  = []string{"enrollment_number", "enrollment", "enrollment_no", "roll_number", "roll_no", "student_id", "id", "name"}
	actionAliases    = []string{"status", "action", "type", "direction", "event"}
	timestampAliases = []string{"timestamp", "time", "datetime", "date_time", "recorded_at"}
)

var actionSynonyms = map[string]model.Action{
	"in":        model.ActionIn,
	"check_in":  model.ActionIn,
	"checkin":   model.ActionIn,
	"entry":     model.ActionIn,
	"out":       model.ActionOut,
	"check_out": model.ActionOut,
	"checkout":  model.ActionOut,
	"exit":      model.ActionOut,
}

// Sanitizer はレポートにエコーする入力値を無害化する。
type Sanitizer interface {
	SanitizeRow(row map[string]string) map[string]string
}

// MetricsRecorder は取り込み結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordIngest(report *model.IngestReport, duration time.Duration)
	RecordIngestError()
}

// Engine は出席イベントのバッチを日次記録にマージする。
// バッチは1つずつ直列に処理され、各バッチは1トランザクションで反映される。
type Engine struct {
	students   repository.StudentRepository
	store      repository.AttendanceStore
	normalizer *timestamp.Normalizer
	sanitizer  Sanitizer
	logger     *slog.Logger
	metrics    MetricsRecorder
	source     string
	now        func() time.Time
	newID      func() string

	mu sync.Mutex
}

// NewEngine はEngineを生成する。
func NewEngine(
	students repository.StudentRepository,
	store repository.AttendanceStore,
	normalizer *timestamp.Normalizer,
	sanitizer Sanitizer,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		students:   students,
		store:      store,
		normalizer: normalizer,
		sanitizer:  sanitizer,
		logger:     logger,
		source:     DefaultSource,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithMetrics はメトリクス記録先を設定する。
func (e *Engine) WithMetrics(m MetricsRecorder) *Engine {
	e.metrics = m
	return e
}

// WithSource は記録に付与する取り込み元タグを設定する。
func (e *Engine) WithSource(source string) *Engine {
	e.source = source
	return e
}

type batchKey struct {
	studentID string
	date      string
	action    model.Action
}

// Ingest はrowsを入力順に処理し、行ごとの結果をまとめたレポートを返す。
//
// 行単位の検証エラーや重複はレポートに記録され、バッチは継続する。
// ストアの読み書きに失敗した場合はバッチ全体をロールバックしてエラーを返す。
// ctxは行の間でのみ確認し、期限切れ後の行は処理せずskippedとして、
// それまでの結果をコミットしてIncompleteなレポートを返す。
func (e *Engine) Ingest(ctx context.Context, rows []model.EventRow, today time.Time) (*model.IngestReport, error) {
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()

	// 処理中の行は呼び出し元のキャンセルに関わらず完了させる
	storeCtx := context.WithoutCancel(ctx)

	tx, err := e.store.Begin(storeCtx)
	if err != nil {
		e.recordError()
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	report := &model.IngestReport{Total: len(rows)}
	seen := make(map[batchKey]bool)

	for i, row := range rows {
		if ctx.Err() != nil {
			e.skipRemaining(report, rows, i)
			break
		}

		res, err := e.processRow(storeCtx, tx, i+1, row, today, seen)
		if err != nil {
			e.recordError()
			e.logger.Error("出席記録の取り込みに失敗しました",
				slog.Int("row", i+1),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		report.Add(res)
	}

	if err := tx.Commit(); err != nil {
		e.recordError()
		return nil, fmt.Errorf("出席記録のコミットに失敗しました: %w", err)
	}
	committed = true

	duration := e.now().Sub(start)
	e.logger.Info("出席記録を取り込みました",
		slog.Int("total", report.Total),
		slog.Int("successful", report.Successful),
		slog.Int("duplicates", report.Duplicates),
		slog.Int("failed", report.Failed),
		slog.Bool("incomplete", report.Incomplete),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	if e.metrics != nil {
		e.metrics.RecordIngest(report, duration)
	}

	return report, nil
}

func (e *Engine) skipRemaining(report *model.IngestReport, rows []model.EventRow, from int) {
	report.Incomplete = true
	for j := from; j < len(rows); j++ {
		report.Add(model.RowResult{
			Row:     j + 1,
			Outcome: model.RowSkipped,
			Error:   model.RowErrDeadlineExceeded,
			Message: "処理期限を過ぎたため処理されませんでした",
			Input:   e.echo(rows[j]),
		})
	}
}

// processRow は1行を処理する。戻り値のerrorはストアの障害のみ。
func (e *Engine) processRow(
	ctx context.Context,
	tx repository.AttendanceTx,
	index int,
	row model.EventRow,
	today time.Time,
	seen map[batchKey]bool,
) (model.RowResult, error) {
	res := model.RowResult{Row: index, Input: e.echo(row)}
	fail := func(code, msg string) (model.RowResult, error) {
		res.Outcome = model.RowFailed
		res.Error = code
		res.Message = msg
		return res, nil
	}
	conflict := func(code, msg string) (model.RowResult, error) {
		res.Outcome = model.RowDuplicate
		res.Error = code
		res.Message = msg
		return res, nil
	}

	// 1. 列の解決
	fields := resolveFields(row)
	if missing := fields.missing(); len(missing) > 0 {
		return fail(model.RowErrMissingField, "必須項目がありません: "+strings.Join(missing, ", "))
	}

	// 2. 学生の照合
	student, err := e.students.Resolve(ctx, fields.identity)
	if err != nil {
		return res, err
	}
	if student == nil {
		return fail(model.RowErrUnknownIdentity, "未登録の学籍番号です: "+fields.identity)
	}

	// 3. アクションの正規化
	action, ok := NormalizeAction(fields.action)
	if !ok {
		return fail(model.RowErrInvalidAction, "不正なアクションです: "+fields.action)
	}

	// 4. タイムスタンプの正規化
	at, ok := e.normalizer.Parse(fields.timestamp, today)
	if !ok {
		return fail(model.RowErrInvalidTimestamp, "タイムスタンプを解釈できません: "+fields.timestamp)
	}

	// 5. 日付キー
	date := e.normalizer.DateOf(at)

	// 6. バッチ内の重複
	key := batchKey{studentID: student.ID, date: date.Format("2006-01-02"), action: action}
	if seen[key] {
		return conflict(model.RowErrDuplicateInBatch, "同じバッチ内で既に記録されています")
	}

	// 7. ストアとの照合
	rec, err := tx.Get(ctx, student.ID, date)
	if err != nil {
		return res, err
	}

	now := e.now()
	created := rec == nil
	if created {
		rec = &model.DailyRecord{
			ID:        e.newID(),
			StudentID: student.ID,
			Date:      date,
			Source:    e.source,
			CreatedAt: now,
		}
	}

	switch action {
	case model.ActionIn:
		if rec.InTime != nil {
			return conflict(model.RowErrInTimeAlreadyRecorded, "入室時刻は既に記録されています")
		}
		rec.InTime = &at
	case model.ActionOut:
		if rec.OutTime != nil {
			return conflict(model.RowErrOutTimeAlreadyRecorded, "退室時刻は既に記録されています")
		}
		rec.OutTime = &at
	}

	// 8. 反映
	rec.RecomputeStatus()
	rec.UpdatedAt = now
	if err := tx.Upsert(ctx, rec); err != nil {
		return res, err
	}
	seen[key] = true

	if created {
		res.Outcome = model.RowCreated
	} else {
		res.Outcome = model.RowUpdated
	}
	return res, nil
}

func (e *Engine) echo(row model.EventRow) map[string]string {
	if e.sanitizer == nil {
		return map[string]string(row)
	}
	return e.sanitizer.SanitizeRow(row)
}

func (e *Engine) recordError() {
	if e.metrics != nil {
		e.metrics.RecordIngestError()
	}
}

// NormalizeAction はアクション文字列をin/outに正規化する。
// 大文字小文字、前後の空白、ハイフンと空白による区切りの違いは無視する。
func NormalizeAction(raw string) (model.Action, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	a, ok := actionSynonyms[s]
	return a, ok
}

// rowFields は別名解決後の1行分の値。
type rowFields struct {
	identity  string
	action    string
	timestamp string
}

func (f rowFields) missing() []string {
	var m []string
	if f.identity == "" {
		m = append(m, "identity")
	}
	if f.action == "" {
		m = append(m, "action")
	}
	if f.timestamp == "" {
		m = append(m, "timestamp")
	}
	return m
}

// resolveFields は列名を正規化し、別名の優先順に値を解決する。
// 空白のみの値は欠落として扱い、次の別名を試す。
// 大文字小文字だけが異なる列が複数ある場合は、元の列名の辞書順で最初の空でない値を使う。
func resolveFields(row model.EventRow) rowFields {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := make(map[string]string, len(row))
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if cur, ok := normalized[key]; ok && strings.TrimSpace(cur) != "" {
			continue
		}
		normalized[key] = row[k]
	}

	pick := func(aliases []string) string {
		for _, a := range aliases {
			if v := strings.TrimSpace(normalized[a]); v != "" {
				return v
			}
		}
		return ""
	}

	return rowFields{
		identity:  pick(identityAliases),
		action:    pick(actionAliases),
		timestamp: pick(timestampAliases),
	}
}
