package mirrorsync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/attendsync/internal/mirror"
	"github.com/hitoshi/attendsync/internal/model"
)

type mockSyncer struct {
	syncFunc func(ctx context.Context) (*model.SyncReport, error)
	calls    atomic.Int32
	state    *mirror.State
}

func (m *mockSyncer) Sync(ctx context.Context) (*model.SyncReport, error) {
	m.calls.Add(1)
	if m.syncFunc != nil {
		return m.syncFunc(ctx)
	}
	return &model.SyncReport{}, nil
}

func (m *mockSyncer) State() *mirror.State {
	if m.state == nil {
		m.state = mirror.NewState()
	}
	return m.state
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fakeTicker はテストから手動でティックを送るティッカー。
type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	stopped  atomic.Bool
}

func (f *fakeTicker) factory(d time.Duration) (<-chan time.Time, func()) {
	f.interval = d
	return f.ch, func() { f.stopped.Store(true) }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("条件が満たされないままタイムアウトした")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_RunsImmediatelyAndOnTick(t *testing.T) {
	var buf bytes.Buffer
	syncer := &mockSyncer{}
	ticker := &fakeTicker{ch: make(chan time.Time)}
	s := NewScheduler(syncer, newTestLogger(&buf), time.Minute).WithTickerFactory(ticker.factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 5*time.Minute)
		close(done)
	}()

	waitFor(t, func() bool { return syncer.calls.Load() == 1 })

	ticker.ch <- time.Now()
	waitFor(t, func() bool { return syncer.calls.Load() == 2 })
	ticker.ch <- time.Now()
	waitFor(t, func() bool { return syncer.calls.Load() == 3 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("コンテキストのキャンセル後にスケジューラが停止しなかった")
	}

	if ticker.interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", ticker.interval)
	}
	if !ticker.stopped.Load() {
		t.Error("停止時にティッカーが止められていない")
	}
	logs := buf.String()
	if !strings.Contains(logs, "同期スケジューラを開始しました") || !strings.Contains(logs, "同期スケジューラを停止しました") {
		t.Errorf("開始・停止のログが出力されていない: %s", logs)
	}
}

func TestScheduler_RunOnceAppliesPassTimeout(t *testing.T) {
	var buf bytes.Buffer
	var hadDeadline bool
	syncer := &mockSyncer{
		syncFunc: func(ctx context.Context) (*model.SyncReport, error) {
			_, hadDeadline = ctx.Deadline()
			return &model.SyncReport{}, nil
		},
	}

	s := NewScheduler(syncer, newTestLogger(&buf), 30*time.Second)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if !hadDeadline {
		t.Error("同期パスに期限が設定されていない")
	}

	s = NewScheduler(syncer, newTestLogger(&buf), 0)
	s.RunOnce(context.Background())
	if hadDeadline {
		t.Error("passTimeout=0 で期限が設定された")
	}
}

func TestScheduler_RunOnceSkipsWhenInProgress(t *testing.T) {
	var buf bytes.Buffer
	syncer := &mockSyncer{
		syncFunc: func(ctx context.Context) (*model.SyncReport, error) {
			return nil, mirror.ErrSyncInProgress
		},
	}

	s := NewScheduler(syncer, newTestLogger(&buf), time.Minute)
	report, err := s.RunOnce(context.Background())
	if err != nil || report != nil {
		t.Errorf("RunOnce = (%v, %v), want (nil, nil)", report, err)
	}
	if !strings.Contains(buf.String(), "スキップ") {
		t.Errorf("スキップのログが出力されていない: %s", buf.String())
	}
}

func TestScheduler_RunOnceReturnsError(t *testing.T) {
	var buf bytes.Buffer
	wantErr := errors.New("listing failed")
	syncer := &mockSyncer{
		syncFunc: func(ctx context.Context) (*model.SyncReport, error) {
			return nil, wantErr
		},
	}

	s := NewScheduler(syncer, newTestLogger(&buf), time.Minute)
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

// エラーが起きてもスケジューラは次のティックで再試行する。
func TestScheduler_ContinuesAfterError(t *testing.T) {
	var buf bytes.Buffer
	syncer := &mockSyncer{
		syncFunc: func(ctx context.Context) (*model.SyncReport, error) {
			return nil, errors.New("remote down")
		},
	}
	ticker := &fakeTicker{ch: make(chan time.Time)}
	s := NewScheduler(syncer, newTestLogger(&buf), time.Minute).WithTickerFactory(ticker.factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx, time.Minute)

	waitFor(t, func() bool { return syncer.calls.Load() == 1 })
	ticker.ch <- time.Now()
	waitFor(t, func() bool { return syncer.calls.Load() == 2 })
}

func TestScheduler_TriggerRunsInBackground(t *testing.T) {
	var buf bytes.Buffer
	release := make(chan struct{})
	syncer := &mockSyncer{
		syncFunc: func(ctx context.Context) (*model.SyncReport, error) {
			<-release
			return &model.SyncReport{}, nil
		},
	}
	s := NewScheduler(syncer, newTestLogger(&buf), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Trigger(ctx); err != nil {
		t.Fatalf("Trigger がエラーを返した: %v", err)
	}
	// リクエストのコンテキストが終わっても同期は継続する
	cancel()

	waitFor(t, func() bool { return syncer.calls.Load() == 1 })
	if !s.Running() {
		t.Error("手動同期の実行中に Running が false を返した")
	}
	if err := s.Trigger(context.Background()); !errors.Is(err, mirror.ErrSyncInProgress) {
		t.Errorf("実行中の Trigger: err = %v, want ErrSyncInProgress", err)
	}

	close(release)
	waitFor(t, func() bool { return !s.Running() })

	if err := s.Trigger(context.Background()); err != nil {
		t.Errorf("完了後の Trigger がエラーを返した: %v", err)
	}
	waitFor(t, func() bool { return syncer.calls.Load() == 2 && !s.Running() })
}
