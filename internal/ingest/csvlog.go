package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
	"github.com/spf13/afero"
)

// csvLogHeader は日次CSVのヘッダー。
var csvLogHeader = []string{"name", "status", "timestamp"}

// CSVLogTimeLayout は日次CSVに書き込むタイムスタンプの形式。
const CSVLogTimeLayout = "2006-01-02 15:04:05"

// LogEntry は日次CSVの1行。
type LogEntry struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// CSVLog はデバイス上で判定された出席イベントを日ごとのCSVファイルに追記する。
// ファイル名は attendance_YYYY-MM-DD.csv で、日付は設定タイムゾーンで決まる。
type CSVLog struct {
	fs  afero.Fs
	dir string
	loc *time.Location
	now func() time.Time

	mu sync.Mutex
}

// NewCSVLog はCSVLogを生成する。locがnilの場合はtime.Localを使用する。
func NewCSVLog(fs afero.Fs, dir string, loc *time.Location) *CSVLog {
	if loc == nil {
		loc = time.Local
	}
	return &CSVLog{fs: fs, dir: dir, loc: loc, now: time.Now}
}

// Today は設定タイムゾーンでの今日の日付を返す。
func (l *CSVLog) Today() time.Time {
	n := l.now().In(l.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, l.loc)
}

// FileName は指定日のCSVファイル名を返す。
func (l *CSVLog) FileName(day time.Time) string {
	return "attendance_" + day.In(l.loc).Format("2006-01-02") + ".csv"
}

// Path は指定日のCSVファイルのパスを返す。
func (l *CSVLog) Path(day time.Time) string {
	return filepath.Join(l.dir, l.FileName(day))
}

// Record は現在時刻で1件追記する。
func (l *CSVLog) Record(name string, action model.Action) (LogEntry, error) {
	return l.RecordAt(name, action, l.now())
}

// RecordAt は指定時刻で1件追記する。ファイルが新規の場合はヘッダーを書き込む。
func (l *CSVLog) RecordAt(name string, action model.Action, at time.Time) (LogEntry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return LogEntry{}, errors.New("名前が空です")
	}
	if action != model.ActionIn && action != model.ActionOut {
		return LogEntry{}, fmt.Errorf("不正なアクションです: %q", action)
	}

	at = at.In(l.loc)
	entry := LogEntry{
		Name:      name,
		Status:    strings.ToUpper(string(action)),
		Timestamp: at.Format(CSVLogTimeLayout),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return LogEntry{}, fmt.Errorf("出席ログディレクトリの作成に失敗しました: %w", err)
	}

	f, err := l.fs.OpenFile(l.Path(at), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return LogEntry{}, fmt.Errorf("出席ログのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return LogEntry{}, fmt.Errorf("出席ログの情報取得に失敗しました: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvLogHeader); err != nil {
			return LogEntry{}, fmt.Errorf("出席ログの書き込みに失敗しました: %w", err)
		}
	}
	if err := w.Write([]string{entry.Name, entry.Status, entry.Timestamp}); err != nil {
		return LogEntry{}, fmt.Errorf("出席ログの書き込みに失敗しました: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return LogEntry{}, fmt.Errorf("出席ログの書き込みに失敗しました: %w", err)
	}

	return entry, nil
}

// Read は指定日のCSVを読み込む。ファイルが存在しない場合は空を返す。
// 列数が不足している行は読み飛ばす。
func (l *CSVLog) Read(day time.Time) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.Open(l.Path(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("出席ログのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	return readLogEntries(f)
}

func readLogEntries(r io.Reader) ([]LogEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("出席ログの読み込みに失敗しました: %w", err)
	}

	var entries []LogEntry
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "name") {
			continue
		}
		if len(rec) < 3 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		entries = append(entries, LogEntry{
			Name:      strings.TrimSpace(rec[0]),
			Status:    strings.TrimSpace(rec[1]),
			Timestamp: strings.TrimSpace(rec[2]),
		})
	}
	return entries, nil
}
