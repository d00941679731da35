package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/attendsync/internal/config"
	"github.com/hitoshi/attendsync/internal/database"
	"github.com/hitoshi/attendsync/internal/handler"
	"github.com/hitoshi/attendsync/internal/ingest"
	"github.com/hitoshi/attendsync/internal/logger"
	"github.com/hitoshi/attendsync/internal/metrics"
	"github.com/hitoshi/attendsync/internal/middleware"
	"github.com/hitoshi/attendsync/internal/mirror"
	"github.com/hitoshi/attendsync/internal/remote"
	"github.com/hitoshi/attendsync/internal/repository"
	"github.com/hitoshi/attendsync/internal/security"
	"github.com/hitoshi/attendsync/internal/timestamp"
	"github.com/hitoshi/attendsync/internal/worker/cleanup"
	"github.com/hitoshi/attendsync/internal/worker/mirrorsync"
	"github.com/hitoshi/attendsync/internal/worker/upload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からmodeに応じたConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, mode config.Mode) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load(mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでログを再設定する
	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(w, cmd.ConfigMode())
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("timezone", cfg.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandAgent:
		return runAgent(ctx, cfg, l)
	case CommandSync:
		return runSync(ctx, w, cfg, l)
	case CommandMigrate:
		return runMigrate(cfg, l)
	default:
		return runServe(ctx, cfg, l)
	}
}

// newRegistry はプロセス・Goランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe は取り込みAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	l.Info("database connection established")

	// 2. リポジトリの初期化
	studentRepo := repository.NewPostgresStudentRepo(db)
	attendanceStore := repository.NewPostgresAttendanceStore(db, cfg.Location)

	// 3. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 4. 取り込みエンジンの初期化
	engine := ingest.NewEngine(
		studentRepo,
		attendanceStore,
		timestamp.NewNormalizer(cfg.Location),
		security.NewInputSanitizer(),
		l,
	).WithMetrics(collector).WithSource(cfg.AttendanceSource)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitWebhook))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            l,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		WebhookKey:        cfg.WebhookKey,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		Gatherer:          reg,
		Ingester:          engine,
		Summary:           attendanceStore,
		Location:          cfg.Location,
	})

	// 6. HTTPサーバーの起動
	return serveHTTP(ctx, l, newHTTPServer(cfg.ServerPort, router), "API server")
}

// syncSource はリモートツリーの列挙と取得を行う同期元。
type syncSource interface {
	mirror.Lister
	mirror.Fetcher
	SourceURL() string
}

// newSyncSource は設定に応じた同期元を生成する。
func newSyncSource(cfg *config.Config, l *slog.Logger) (syncSource, error) {
	switch cfg.SyncSource {
	case config.SyncSourceMinIO:
		return remote.NewMinIOSource(remote.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Prefix:    cfg.MinIOPrefix,
			UseSSL:    cfg.MinIOUseSSL,
		}, l)
	default:
		client, err := remote.NewSafeClient(cfg.SyncRemoteURL, cfg.SyncFetchTimeout, cfg.SyncAllowedCIDRs)
		if err != nil {
			return nil, err
		}
		return remote.NewHTTPIndex(cfg.SyncRemoteURL, client, l)
	}
}

// mirrorDeps は同期処理の依存関係。
type mirrorDeps struct {
	fs           afero.Fs
	synchronizer *mirror.Synchronizer
	close        func() error
}

// newMirror はキャッシュインデックスを開き、前回の同期状態を復元したSynchronizerを生成する。
func newMirror(ctx context.Context, cfg *config.Config, l *slog.Logger, collector *metrics.Collector) (*mirrorDeps, error) {
	source, err := newSyncSource(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync source: %w", err)
	}

	indexDB, err := database.OpenSQLite(cfg.CacheIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	indexRepo := repository.NewSQLiteCacheIndexRepo(indexDB)

	state := mirror.NewState()
	idx, err := indexRepo.Load(ctx)
	if err != nil {
		indexDB.Close()
		return nil, err
	}
	state.Seed(idx)

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		indexDB.Close()
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	synchronizer := mirror.NewSynchronizer(
		source, source, indexRepo, fs, cfg.CacheDir,
		mirror.Options{
			SourceURL:       source.SourceURL(),
			MaxConcurrent:   cfg.SyncMaxConcurrent,
			SkipDirs:        cfg.SyncSkipDirs,
			NumericDirsOnly: cfg.SyncNumericDirsOnly,
			MaxDepth:        cfg.SyncMaxDepth,
			Extensions:      mirror.DefaultImageExtensions,
		},
		state, l,
	)
	if collector != nil {
		synchronizer.WithMetrics(collector)
	}

	l.Info("cache index loaded",
		slog.String("cache_dir", cfg.CacheDir),
		slog.String("source_url", source.SourceURL()),
		slog.Int("entries", len(idx.Entries)),
	)

	return &mirrorDeps{fs: fs, synchronizer: synchronizer, close: indexDB.Close}, nil
}

// runAgent は端末エージェントモードで起動する。
// 定期同期・出席CSVアップロード・一時ファイル掃除をバックグラウンドで実行し、
// ローカルAPIをHTTPで提供する。ctxがキャンセルされると最終アップロードを行って終了する。
func runAgent(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 1. ミラー同期
	m, err := newMirror(ctx, cfg, l, collector)
	if err != nil {
		return err
	}
	defer m.close()

	scheduler := mirrorsync.NewScheduler(m.synchronizer, l, cfg.SyncInterval)

	// 2. 出席CSVとアップロード
	csvLog := ingest.NewCSVLog(m.fs, cfg.AttendanceCSVDir, cfg.Location)
	uploader := upload.NewUploader(upload.Config{
		URL:          cfg.UploadURL,
		WebhookKey:   cfg.UploadWebhookKey,
		Interval:     cfg.UploadInterval,
		InitialDelay: cfg.UploadInitialDelay,
	}, csvLog, &http.Client{Timeout: 30 * time.Second}, l).WithMetrics(collector)
	if !uploader.Enabled() {
		l.Warn("UPLOAD_URL が未設定のため出席アップロードは無効です")
	}

	// 3. 一時ファイルの掃除
	sweeper := cleanup.NewTempFileSweeper(m.fs, cfg.CacheDir, l).WithMetrics(collector)
	sweeper.MaxAge = cfg.TempMaxAge

	// 4. ローカルAPI
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewAgentRouter(&handler.AgentRouterDeps{
		Logger:      l,
		RateLimiter: rateLimiter,
		Gatherer:    reg,
		State:       m.synchronizer.State(),
		Trigger:     scheduler,
		Uploader:    uploader,
		Log:         csvLog,
		Info: handler.AgentInfo{
			SyncInterval:   cfg.SyncInterval,
			UploadInterval: cfg.UploadInterval,
			UploadURL:      cfg.UploadURL,
		},
	})

	// バックグラウンドジョブの起動
	done := make(chan struct{}, 3)
	go func() {
		scheduler.Start(ctx, cfg.SyncInterval)
		done <- struct{}{}
	}()
	go func() {
		uploader.Start(ctx)
		done <- struct{}{}
	}()
	go func() {
		sweeper.Start(ctx, cfg.TempMaxAge)
		done <- struct{}{}
	}()

	l.Info("agent starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Duration("upload_interval", cfg.UploadInterval),
		slog.Bool("upload_enabled", uploader.Enabled()),
	)

	err = serveHTTP(ctx, l, newHTTPServer(cfg.ServerPort, router), "agent API")

	// 最終アップロードを含め、ジョブの終了を待つ
	for i := 0; i < cap(done); i++ {
		<-done
	}

	l.Info("agent stopped gracefully")
	return err
}

// runSync は顔画像ミラーを1回だけ同期し、レポートをJSONでwに出力する。
func runSync(ctx context.Context, w io.Writer, cfg *config.Config, l *slog.Logger) error {
	m, err := newMirror(ctx, cfg, l, nil)
	if err != nil {
		return err
	}
	defer m.close()

	passCtx := ctx
	if cfg.SyncInterval > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, cfg.SyncInterval)
		defer cancel()
	}

	report, err := m.synchronizer.Sync(passCtx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write sync report: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("database migrations completed successfully")
	return nil
}

func newHTTPServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveHTTP はctxがキャンセルされるまでサーバーを起動し、その後グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, l *slog.Logger, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		l.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	l.Info(name + " stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
