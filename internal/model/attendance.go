package model

import "time"

// Student は出席の対象となる学生（Identity）を表す。
// 学籍番号は外部で検証済みの不透明なトークンとして扱う。
type Student struct {
	ID               string
	EnrollmentNumber string
	Name             string
	CreatedAt        time.Time
}

// AttendanceStatus は日次の出席状態。
type AttendanceStatus string

const (
	// StatusPresent は入室時刻が記録済みの状態。
	StatusPresent AttendanceStatus = "present"
	// StatusAbsent は入室時刻が未記録の状態。
	StatusAbsent AttendanceStatus = "absent"
)

// Action は出席イベントの種類。
type Action string

const (
	ActionIn  Action = "in"
	ActionOut Action = "out"
)

// DailyRecord は学生1人・1日分の出席記録。
// (StudentID, Date) で一意。入室・退室時刻はそれぞれ最大1回だけ記録される。
type DailyRecord struct {
	ID        string
	StudentID string
	Date      time.Time // 日付のみ有効（時刻は00:00、設定タイムゾーン）
	InTime    *time.Time
	OutTime   *time.Time
	Status    AttendanceStatus
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecomputeStatus は入室時刻の有無から状態を再計算する。
func (r *DailyRecord) RecomputeStatus() {
	if r.InTime != nil {
		r.Status = StatusPresent
		return
	}
	r.Status = StatusAbsent
}

// EventRow は取り込み前の生の1行。列名は入力ごとに異なる。
type EventRow map[string]string

// RowOutcome は1行の取り込み結果。
type RowOutcome string

const (
	RowCreated   RowOutcome = "created"
	RowUpdated   RowOutcome = "updated"
	RowDuplicate RowOutcome = "duplicate"
	RowFailed    RowOutcome = "failed"
	RowSkipped   RowOutcome = "skipped"
)

// 行単位のエラー種別
const (
	RowErrMissingField           = "MISSING_FIELD"
	RowErrUnknownIdentity        = "UNKNOWN_IDENTITY"
	RowErrInvalidAction          = "INVALID_ACTION"
	RowErrInvalidTimestamp       = "INVALID_TIMESTAMP"
	RowErrDuplicateInBatch       = "DUPLICATE_IN_BATCH"
	RowErrInTimeAlreadyRecorded  = "IN_TIME_ALREADY_RECORDED"
	RowErrOutTimeAlreadyRecorded = "OUT_TIME_ALREADY_RECORDED"
	RowErrDeadlineExceeded       = "DEADLINE_EXCEEDED"
)

// RowResult は1行分の取り込み詳細。
type RowResult struct {
	Row     int               `json:"row"`
	Outcome RowOutcome        `json:"outcome"`
	Error   string            `json:"error,omitempty"`
	Message string            `json:"message,omitempty"`
	Input   map[string]string `json:"input,omitempty"`
}

// IngestReport は1バッチの取り込み結果。
type IngestReport struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Duplicates int         `json:"duplicates"`
	Failed     int         `json:"failed"`
	Incomplete bool        `json:"incomplete"`
	Rows       []RowResult `json:"details"`
}

// Add は行結果を追加し、集計を更新する。
func (r *IngestReport) Add(res RowResult) {
	r.Rows = append(r.Rows, res)
	switch res.Outcome {
	case RowCreated, RowUpdated:
		r.Successful++
	case RowDuplicate:
		r.Duplicates++
	case RowFailed:
		r.Failed++
	}
}

// AttendanceSummary は出席状況の集計値。
type AttendanceSummary struct {
	Date         string `json:"date"`
	TodayTotal   int    `json:"today_total"`
	TodayIn      int    `json:"today_in"`
	TodayOut     int    `json:"today_out"`
	AllTimeTotal int    `json:"all_time_total"`
}
