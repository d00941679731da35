package model

import "time"

// NodeKind はリモートノードの種類を表す。
type NodeKind string

const (
	// NodeFile はファイルノード。
	NodeFile NodeKind = "file"
	// NodeDirectory はディレクトリノード。
	NodeDirectory NodeKind = "directory"
)

// UnknownSize はリモートがサイズを返さなかったことを示す。
const UnknownSize int64 = -1

// RemoteNode はリモートツリーの1エントリを表す。
// Listの呼び出しごとに生成され、永続化されない。
type RemoteNode struct {
	Path string // リモートルートからのスラッシュ区切り相対パス
	Kind NodeKind
	Size int64 // ファイルのみ。不明な場合はUnknownSize
}

// IsDir はディレクトリノードかどうかを返す。
func (n RemoteNode) IsDir() bool {
	return n.Kind == NodeDirectory
}

// CacheEntry はローカルミラー上の1ファイルの同期記録。
// エントリが存在する限り、対応するローカルファイルも存在する。
type CacheEntry struct {
	Path     string
	Size     int64
	SyncedAt time.Time
}

// SyncCounts は1回の同期パスの分類別件数。
type SyncCounts struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Removed   int `json:"removed"`
	Failed    int `json:"failed"`
}

// CacheIndex は同期処理が永続化するローカルミラーの状態。
// 同期パスの最後に1トランザクションで保存される。
type CacheIndex struct {
	Entries    map[string]CacheEntry
	SourceURL  string
	LastSync   time.Time
	LastCounts SyncCounts
}

// NewCacheIndex は空のCacheIndexを生成する。
func NewCacheIndex() *CacheIndex {
	return &CacheIndex{Entries: make(map[string]CacheEntry)}
}

// Clone はエントリをコピーした新しいCacheIndexを返す。
func (idx *CacheIndex) Clone() *CacheIndex {
	c := &CacheIndex{
		Entries:    make(map[string]CacheEntry, len(idx.Entries)),
		SourceURL:  idx.SourceURL,
		LastSync:   idx.LastSync,
		LastCounts: idx.LastCounts,
	}
	for k, v := range idx.Entries {
		c.Entries[k] = v
	}
	return c
}

// SyncOutcome はファイル単位の同期結果の分類。
type SyncOutcome string

const (
	OutcomeAdded     SyncOutcome = "added"
	OutcomeUpdated   SyncOutcome = "updated"
	OutcomeUnchanged SyncOutcome = "unchanged"
	OutcomeRemoved   SyncOutcome = "removed"
	OutcomeFailed    SyncOutcome = "failed"
)

// SyncFailure は失敗したファイルとその理由。
type SyncFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// SyncReport は1回の同期パスの結果。
type SyncReport struct {
	SyncCounts
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Incomplete bool          `json:"incomplete"`
	Failures   []SyncFailure `json:"failures,omitempty"`
}

// Record は分類結果をカウンタに加算する。
func (r *SyncReport) Record(outcome SyncOutcome) {
	switch outcome {
	case OutcomeAdded:
		r.Added++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeRemoved:
		r.Removed++
	case OutcomeFailed:
		r.Failed++
	}
}
