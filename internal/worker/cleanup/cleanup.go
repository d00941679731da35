// Package cleanup は顔画像キャッシュに残った一時ファイルの掃除ジョブを提供する。
// 取得中にプロセスが停止すると .attendsync-*.tmp が残るため、
// 保持期間（デフォルト1時間）を超えたものを定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hitoshi/attendsync/internal/mirror"
	"github.com/spf13/afero"
)

// MetricsRecorder は削除件数のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordTempFilesRemoved(count int)
}

// TempFileSweeper はキャッシュディレクトリの古い一時ファイルを削除するジョブ。
// 削除対象がない場合もエラーにならない。
type TempFileSweeper struct {
	fs      afero.Fs
	root    string
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time
	MaxAge  time.Duration // 一時ファイルの保持期間（デフォルト: 1時間）
}

// NewTempFileSweeper は新しいTempFileSweeperを生成する。
func NewTempFileSweeper(fs afero.Fs, root string, logger *slog.Logger) *TempFileSweeper {
	return &TempFileSweeper{
		fs:     fs,
		root:   root,
		logger: logger,
		now:    time.Now,
		MaxAge: time.Hour,
	}
}

// WithMetrics はメトリクス記録先を設定する。
func (j *TempFileSweeper) WithMetrics(m MetricsRecorder) *TempFileSweeper {
	j.metrics = m
	return j
}

// Run は更新時刻がMaxAgeより古い一時ファイルを削除する。
// 取得中の一時ファイルは更新され続けるため対象にならない。
func (j *TempFileSweeper) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.MaxAge)

	exists, err := afero.DirExists(j.fs, j.root)
	if err != nil {
		return fmt.Errorf("キャッシュディレクトリの確認に失敗しました: %w", err)
	}
	if !exists {
		return nil
	}

	var deleted, failed int
	err = afero.Walk(j.fs, j.root, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || !mirror.IsTempFile(p) || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := j.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("一時ファイルの削除に失敗しました",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			failed++
			return nil
		}
		deleted++
		return nil
	})
	if err != nil {
		j.logger.Error("一時ファイル掃除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("deleted_count", deleted),
		)
		j.record(deleted)
		return fmt.Errorf("一時ファイル掃除の実行に失敗: %w", err)
	}

	j.record(deleted)
	j.logger.Info("一時ファイル掃除ジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Int("failed_count", failed),
		slog.Duration("max_age", j.MaxAge),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
func (j *TempFileSweeper) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *TempFileSweeper) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("一時ファイル掃除ジョブが失敗しました", slog.String("error", err.Error()))
	}
}

func (j *TempFileSweeper) record(deleted int) {
	if j.metrics != nil && deleted > 0 {
		j.metrics.RecordTempFilesRemoved(deleted)
	}
}
