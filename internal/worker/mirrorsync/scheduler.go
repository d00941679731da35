// Package mirrorsync は顔画像ミラーの定期同期スケジューラを提供する。
package mirrorsync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/attendsync/internal/mirror"
	"github.com/hitoshi/attendsync/internal/model"
)

// Syncer は1回の同期パスを実行するインターフェース。
// *mirror.Synchronizer が実装する。
type Syncer interface {
	Sync(ctx context.Context) (*model.SyncReport, error)
	State() *mirror.State
}

// TickerFactory は指定間隔のティッカーを生成する。
// 戻り値はティックのチャネルと停止関数。
type TickerFactory func(d time.Duration) (<-chan time.Time, func())

func newTimeTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Scheduler は同期処理を定期的に実行するスケジューラ。
type Scheduler struct {
	syncer      Syncer
	logger      *slog.Logger
	passTimeout time.Duration
	newTicker   TickerFactory
	triggered   atomic.Bool
}

// NewScheduler は新しいSchedulerを生成する。
// passTimeoutは1回の同期パスの期限で、0以下の場合は期限を設けない。
func NewScheduler(syncer Syncer, logger *slog.Logger, passTimeout time.Duration) *Scheduler {
	return &Scheduler{
		syncer:      syncer,
		logger:      logger,
		passTimeout: passTimeout,
		newTicker:   newTimeTicker,
	}
}

// WithTickerFactory はティッカーの生成関数を差し替える。
func (s *Scheduler) WithTickerFactory(f TickerFactory) *Scheduler {
	s.newTicker = f
	return s
}

// Start はスケジューラを開始する。
// 起動直後に1回同期し、以降はintervalごとに実行する。
// コンテキストがキャンセルされるまでブロックする。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticks, stop := s.newTicker(interval)
	defer stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("pass_timeout", s.passTimeout),
	)

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticks:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期パスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は期限付きで同期パスを1回実行する。
// 別の同期が実行中の場合はスキップし、nilレポートとnilエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (*model.SyncReport, error) {
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	report, err := s.syncer.Sync(ctx)
	if errors.Is(err, mirror.ErrSyncInProgress) {
		s.logger.Info("同期処理が実行中のためスキップします")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if report.Incomplete {
		s.logger.Warn("同期パスが期限内に完了しませんでした。残りは次回に持ち越します",
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// Trigger は同期パスをバックグラウンドで開始する。
// 同期が実行中、または手動実行が受付済みの場合はmirror.ErrSyncInProgressを返す。
// 開始したパスはctxのキャンセルに影響されない。
func (s *Scheduler) Trigger(ctx context.Context) error {
	if s.syncer.State().Running() || !s.triggered.CompareAndSwap(false, true) {
		return mirror.ErrSyncInProgress
	}

	s.logger.Info("手動同期を開始します")
	go func() {
		defer s.triggered.Store(false)
		s.runLogged(context.WithoutCancel(ctx))
	}()
	return nil
}

// Running は同期処理が実行中、または手動実行が受付済みかどうかを返す。
func (s *Scheduler) Running() bool {
	return s.triggered.Load() || s.syncer.State().Running()
}
