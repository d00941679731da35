// Package mirror はリモートの画像ツリーをローカルディレクトリにミラーする同期処理を提供する。
//
// 同期はサイズのみで変更を検出する。同じサイズのまま内容が変わったファイルは検出しない。
// インデックスはパスの最後に1回だけ保存され、途中で失敗した場合は前回のインデックスが残る。
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
	"github.com/hitoshi/attendsync/internal/repository"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSyncInProgress は同期処理が既に実行中の場合に返される。
	ErrSyncInProgress = errors.New("同期処理が既に実行中です")
	// ErrListFailed はリモートの列挙に失敗した場合に返される。
	ErrListFailed = errors.New("リモートの列挙に失敗しました")
)

// Lister はリモートツリーの1階層を列挙する。
// dirはルートからのスラッシュ区切り相対パスで、ルートは空文字列。
// 返すノードのPathもルートからの相対パスとする。
type Lister interface {
	List(ctx context.Context, dir string) ([]model.RemoteNode, error)
}

// Fetcher はリモートファイルの内容を取得する。
// 2番目の戻り値はContent-Length。不明な場合はmodel.UnknownSize。
type Fetcher interface {
	Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error)
}

// MetricsRecorder は同期結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordSync(report *model.SyncReport, duration time.Duration)
	RecordSyncAborted(reason string)
}

// DefaultImageExtensions はミラー対象とする画像の拡張子。
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

// Options は同期処理の設定。
type Options struct {
	// SourceURL はインデックスに記録するリモートの識別子。
	SourceURL string
	// MaxConcurrent は並列取得数の上限（デフォルト: 4）。
	MaxConcurrent int
	// SkipDirs は名前が一致するディレクトリを走査しない。
	SkipDirs []string
	// NumericDirsOnly がtrueの場合、名前が数字のみのディレクトリだけを走査する。
	NumericDirsOnly bool
	// Extensions はミラー対象の拡張子。空の場合はすべてのファイルを対象とする。
	Extensions []string
	// MaxDepth はルートから辿るディレクトリの最大の深さ。0以下は無制限。
	// 自分自身を相対リンクで指す一覧ページがあると、無制限の場合は同期期限まで列挙が続く。
	MaxDepth int
}

// Synchronizer はリモートツリーとローカルディレクトリを同期する。
// 同一インスタンスでの同期は同時に1つだけ実行される。
type Synchronizer struct {
	lister  Lister
	fetcher Fetcher
	repo    repository.CacheIndexRepository
	fs      afero.Fs
	root    string
	opts    Options
	state   *State
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time

	skip map[string]bool
	exts map[string]bool
	mu   sync.Mutex
}

// NewSynchronizer はSynchronizerを生成する。
// stateがnilの場合は新しいStateを使用する。
func NewSynchronizer(
	lister Lister,
	fetcher Fetcher,
	repo repository.CacheIndexRepository,
	fs afero.Fs,
	root string,
	opts Options,
	state *State,
	logger *slog.Logger,
) *Synchronizer {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if state == nil {
		state = NewState()
	}

	s := &Synchronizer{
		lister:  lister,
		fetcher: fetcher,
		repo:    repo,
		fs:      fs,
		root:    filepath.Clean(root),
		opts:    opts,
		state:   state,
		logger:  logger,
		now:     time.Now,
		skip:    make(map[string]bool),
		exts:    make(map[string]bool),
	}
	for _, d := range opts.SkipDirs {
		if d = strings.TrimSpace(d); d != "" {
			s.skip[strings.ToLower(d)] = true
		}
	}
	for _, e := range opts.Extensions {
		s.exts[strings.ToLower(e)] = true
	}
	return s
}

// WithMetrics はメトリクス記録先を設定する。
func (s *Synchronizer) WithMetrics(m MetricsRecorder) *Synchronizer {
	s.metrics = m
	return s
}

// State は同期状態を返す。
func (s *Synchronizer) State() *State {
	return s.state
}

// fetchTask は取得が必要な1ファイル。
type fetchTask struct {
	path       string
	remoteSize int64
	entry      model.CacheEntry
	inIndex    bool
	localSize  int64
	localOK    bool
}

// fetchResult は取得結果。
type fetchResult struct {
	written int64
	err     error
}

// Sync はリモートツリーとローカルミラーを1回同期する。
//
// リモートの列挙に失敗した場合はインデックスを変更せずにエラーを返す。
// 個々のファイルの取得失敗は失敗件数として報告し、パス全体は継続する。
// ctxの期限切れ時は未着手の取得を失敗として扱い、削除は次回に持ち越し、
// それまでの結果をコミットしてIncompleteなレポートを返す。
func (s *Synchronizer) Sync(ctx context.Context) (*model.SyncReport, error) {
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	s.state.begin()
	start := s.now()

	idx, report, err := s.run(ctx, start)
	s.state.finish(idx, report, err)

	duration := s.now().Sub(start)
	if err != nil {
		s.logger.Error("同期処理が中断されました",
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		if s.metrics != nil {
			s.metrics.RecordSyncAborted(abortReason(err))
		}
		return nil, err
	}

	s.logger.Info("同期処理が完了しました",
		slog.Int("added", report.Added),
		slog.Int("updated", report.Updated),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("removed", report.Removed),
		slog.Int("failed", report.Failed),
		slog.Bool("incomplete", report.Incomplete),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	if s.metrics != nil {
		s.metrics.RecordSync(report, duration)
	}

	return report, nil
}

func (s *Synchronizer) run(ctx context.Context, start time.Time) (*model.CacheIndex, *model.SyncReport, error) {
	prev, err := s.repo.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("キャッシュインデックスの読み込みに失敗しました: %w", err)
	}

	remote, invalid, err := s.walk(ctx)
	if err != nil {
		return nil, nil, err
	}

	local, err := s.scanLocal()
	if err != nil {
		return nil, nil, err
	}

	idx := prev.Clone()
	report := &model.SyncReport{StartedAt: start}

	for _, p := range invalid {
		report.Record(model.OutcomeFailed)
		report.Failures = append(report.Failures, model.SyncFailure{Path: p, Error: "不正なパスです"})
	}

	// 1. 分類
	var tasks []fetchTask
	for _, p := range sortedKeys(remote) {
		size := remote[p]
		entry, inIndex := idx.Entries[p]
		localSize, localOK := local[p]

		if size != model.UnknownSize && localOK && localSize == size && (!inIndex || entry.Size == size) {
			idx.Entries[p] = model.CacheEntry{Path: p, Size: size, SyncedAt: start}
			report.Record(model.OutcomeUnchanged)
			continue
		}

		tasks = append(tasks, fetchTask{
			path: p, remoteSize: size,
			entry: entry, inIndex: inIndex,
			localSize: localSize, localOK: localOK,
		})
	}

	// 2. 並列取得
	results := s.fetchAll(ctx, tasks)

	// 3. 結果の反映（単一goroutine）
	for i, t := range tasks {
		res := results[i]
		if res.err != nil {
			report.Record(model.OutcomeFailed)
			report.Failures = append(report.Failures, model.SyncFailure{Path: t.path, Error: res.err.Error()})
			if ctx.Err() != nil {
				report.Incomplete = true
			}
			s.logger.Warn("ファイルの取得に失敗しました",
				slog.String("path", t.path),
				slog.String("error", res.err.Error()),
			)
			continue
		}

		idx.Entries[t.path] = model.CacheEntry{Path: t.path, Size: res.written, SyncedAt: s.now()}
		report.Record(classifyFetched(t, res.written))
	}

	// 4. 削除（期限切れの場合は次回に持ち越す）
	if ctx.Err() != nil {
		report.Incomplete = true
	} else {
		s.removeStale(idx, remote, local, report)
	}

	// 5. コミット
	report.FinishedAt = s.now()
	idx.SourceURL = s.opts.SourceURL
	idx.LastSync = report.FinishedAt
	idx.LastCounts = report.SyncCounts

	if err := s.repo.Save(context.WithoutCancel(ctx), idx); err != nil {
		return nil, nil, fmt.Errorf("キャッシュインデックスの保存に失敗しました: %w", err)
	}

	return idx, report, nil
}

// classifyFetched は取得に成功したファイルの分類を決める。
func classifyFetched(t fetchTask, written int64) model.SyncOutcome {
	// サイズ不明で取得した結果、既存と同じだった場合
	if t.remoteSize == model.UnknownSize && t.localOK && t.localSize == written &&
		(!t.inIndex || t.entry.Size == written) {
		return model.OutcomeUnchanged
	}
	if !t.inIndex {
		return model.OutcomeAdded
	}
	return model.OutcomeUpdated
}

// fetchAll はtasksを最大MaxConcurrent並列で取得する。
// 1件の失敗で他の取得を中止しない。
func (s *Synchronizer) fetchAll(ctx context.Context, tasks []fetchTask) []fetchResult {
	results := make([]fetchResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrent)

	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = fetchResult{err: err}
				return nil
			}
			n, err := s.fetchOne(ctx, t)
			results[i] = fetchResult{written: n, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Synchronizer) fetchOne(ctx context.Context, t fetchTask) (int64, error) {
	rc, length, err := s.fetcher.Fetch(ctx, t.path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if length >= 0 && t.remoteSize >= 0 && length != t.remoteSize {
		s.logger.Warn("列挙時と取得時でサイズが異なります",
			slog.String("path", t.path),
			slog.Int64("listed_size", t.remoteSize),
			slog.Int64("content_length", length),
		)
	}

	return s.writeAtomic(t.path, rc, length)
}

// removeStale はリモートに存在しないインデックスエントリと未追跡のローカルファイルを削除する。
func (s *Synchronizer) removeStale(idx *model.CacheIndex, remote map[string]int64, local map[string]int64, report *model.SyncReport) {
	stale := make(map[string]bool)
	for p := range idx.Entries {
		if _, ok := remote[p]; !ok {
			stale[p] = true
		}
	}
	for p := range local {
		if _, ok := remote[p]; !ok {
			stale[p] = true
		}
	}

	for _, p := range sortedKeys(stale) {
		if err := s.removeFile(p); err != nil {
			report.Record(model.OutcomeFailed)
			report.Failures = append(report.Failures, model.SyncFailure{Path: p, Error: err.Error()})
			s.logger.Warn("ファイルの削除に失敗しました",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		delete(idx.Entries, p)
		report.Record(model.OutcomeRemoved)
	}
}

// walk はリモートツリーを幅優先で列挙し、対象ファイルの相対パスとサイズを返す。
// 2番目の戻り値はローカルに書き込めない不正なパス。
// 列挙に1回でも失敗した場合はエラーを返す。
func (s *Synchronizer) walk(ctx context.Context) (map[string]int64, []string, error) {
	files := make(map[string]int64)
	var invalid []string

	visited := map[string]bool{"": true}
	queue := []string{""}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		nodes, err := s.lister.List(ctx, dir)
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%q): %w", ErrListFailed, dir, err)
		}

		for _, n := range nodes {
			p, ok := cleanRelPath(n.Path)
			if !ok {
				invalid = append(invalid, n.Path)
				continue
			}

			if n.IsDir() {
				if visited[p] || !s.wantDir(path.Base(p)) {
					continue
				}
				if s.tooDeep(p) {
					s.logger.Warn("最大の深さを超えるディレクトリを走査しません",
						slog.String("path", p),
						slog.Int("max_depth", s.opts.MaxDepth),
					)
					continue
				}
				visited[p] = true
				queue = append(queue, p)
				continue
			}

			if s.wantFile(p) {
				files[p] = n.Size
			}
		}
	}

	return files, invalid, nil
}

func (s *Synchronizer) tooDeep(dir string) bool {
	return s.opts.MaxDepth > 0 && strings.Count(dir, "/")+1 > s.opts.MaxDepth
}

func (s *Synchronizer) wantDir(name string) bool {
	if s.skip[strings.ToLower(name)] {
		return false
	}
	if s.opts.NumericDirsOnly && !isDigits(name) {
		return false
	}
	return true
}

func (s *Synchronizer) wantFile(rel string) bool {
	if len(s.exts) == 0 {
		return true
	}
	return s.exts[strings.ToLower(path.Ext(rel))]
}

// cleanRelPath はリモートの相対パスを正規化する。
// ルートの外を指すパスや絶対パスは不正とする。
func cleanRelPath(p string) (string, bool) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "", false
	}
	if strings.Contains(p, `\`) {
		return "", false
	}
	clean := path.Clean(p)
	if clean != p || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", false
	}
	return clean, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "deadline"
	case errors.Is(err, ErrListFailed):
		return "listing"
	default:
		return "storage"
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
