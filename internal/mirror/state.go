package mirror

import (
	"sync"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
)

// State は同期処理の実行状態を保持する。
// Synchronizerが書き込み、ステータスAPIが読み取る。
type State struct {
	mu         sync.RWMutex
	running    bool
	sourceURL  string
	lastSync   time.Time
	lastCounts model.SyncCounts
	lastReport *model.SyncReport
	lastError  string
	totalFiles int
}

// StateSnapshot はStateのある時点のコピー。
type StateSnapshot struct {
	Running    bool              `json:"running"`
	SourceURL  string            `json:"source_url"`
	LastSync   *time.Time        `json:"last_sync"`
	LastCounts model.SyncCounts  `json:"last_counts"`
	LastReport *model.SyncReport `json:"last_report,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	TotalFiles int               `json:"total_images"`
}

// NewState は空のStateを生成する。
func NewState() *State {
	return &State{}
}

// Seed は永続化済みのインデックスから初期値を設定する。
// 起動直後、最初の同期が終わる前でも前回の結果を返せるようにする。
func (s *State) Seed(idx *model.CacheIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceURL = idx.SourceURL
	s.lastSync = idx.LastSync
	s.lastCounts = idx.LastCounts
	s.totalFiles = len(idx.Entries)
}

// Snapshot は現在の状態のコピーを返す。
func (s *State) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		Running:    s.running,
		SourceURL:  s.sourceURL,
		LastCounts: s.lastCounts,
		LastError:  s.lastError,
		TotalFiles: s.totalFiles,
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		snap.LastSync = &t
	}
	if s.lastReport != nil {
		r := *s.lastReport
		r.Failures = append([]model.SyncFailure(nil), s.lastReport.Failures...)
		snap.LastReport = &r
	}
	return snap
}

// Running は同期処理が実行中かどうかを返す。
func (s *State) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *State) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *State) finish(idx *model.CacheIndex, report *model.SyncReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	if err != nil {
		s.lastError = err.Error()
		return
	}
	s.lastError = ""
	s.lastReport = report
	s.sourceURL = idx.SourceURL
	s.lastSync = idx.LastSync
	s.lastCounts = idx.LastCounts
	s.totalFiles = len(idx.Entries)
}
