// Package app はサブコマンドの解析と各モードの起動・依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tripmate/internal/call"
	"github.com/hitoshi/tripmate/internal/chat"
	"github.com/hitoshi/tripmate/internal/config"
	"github.com/hitoshi/tripmate/internal/database"
	"github.com/hitoshi/tripmate/internal/handler"
	"github.com/hitoshi/tripmate/internal/logger"
	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/middleware"
	"github.com/hitoshi/tripmate/internal/notification"
	"github.com/hitoshi/tripmate/internal/presence"
	"github.com/hitoshi/tripmate/internal/push"
	"github.com/hitoshi/tripmate/internal/realtime"
	"github.com/hitoshi/tripmate/internal/repository"
	"github.com/hitoshi/tripmate/internal/security"
	"github.com/hitoshi/tripmate/internal/worker/retention"
	"github.com/hitoshi/tripmate/internal/ws"
)

// shutdownTimeout はグレースフルシャットダウン全体の待ち時間上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、.envと環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envを読み込んでから環境変数で設定を組み立てる
	if err := config.LoadDotEnv(""); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	return cfg, nil
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

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("push_gateway", cfg.PushGateway),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// server は起動中のサーバーを構成する部品。停止順序の制御に使う。
type server struct {
	http      *http.Server
	ws        *ws.Handler
	calls     *call.Manager
	presence  *presence.Registry
	limiter   *middleware.RateLimiter
	closePush func()
}

// newServer はDB接続とプッシュ配信先から全依存関係を組み立てる。
func newServer(cfg *config.Config, db *sql.DB, gateway push.Gateway, log *slog.Logger) *server {
	if log == nil {
		log = slog.Default()
	}

	// 1. メトリクス
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(promReg)

	// 2. リポジトリ
	messageRepo := repository.NewPostgresMessageRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)
	callAuditRepo := repository.NewPostgresCallAuditRepo(db)
	contactPolicy := repository.NewPostgresContactPolicy(db)

	// 3. ドメインサービス
	registry := presence.NewRegistry(log)
	notifier := notification.NewService(notificationRepo, registry, gateway, log,
		notification.WithMetrics(mc),
		notification.WithPushTimeout(cfg.PushTimeout),
	)
	chatService := chat.NewService(messageRepo, contactPolicy, registry, notifier,
		security.NewTextSanitizer(), security.NewURLGuard(), log,
		chat.WithMetrics(mc),
		chat.WithPreviewLength(cfg.MessagePreviewLength),
	)
	callManager := call.NewManager(registry, notifier, callAuditRepo, log,
		call.WithTimeout(cfg.CallTimeout),
		call.WithMetrics(mc),
	)

	// 4. リアルタイム層
	dispatcher := realtime.NewDispatcher(realtime.Deps{
		Presence:      registry,
		Chat:          chatService,
		Calls:         callManager,
		Notifications: notifier,
		Metrics:       mc,
		Logger:        log,
	})

	var verifierOpts []middleware.JWTOption
	if cfg.JWTIssuer != "" {
		verifierOpts = append(verifierOpts, middleware.WithIssuer(cfg.JWTIssuer))
	}
	verifier := middleware.NewJWTVerifier(cfg.JWTSecret, verifierOpts...)

	wsHandler := ws.NewHandler(dispatcher, verifier, ws.Options{
		OriginPatterns: cfg.WSAllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		EventRate:      rate.Limit(cfg.WSEventRate),
		EventBurst:     cfg.WSEventBurst,
	}, mc, log)

	// 5. ルーター
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	limiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		limiterCfg.Rate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		limiterCfg.Burst = cfg.RateLimitGeneral
	}
	limiter := middleware.NewRateLimiter(limiterCfg)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:              log,
		TokenVerifier:       verifier,
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         limiter,
		HealthChecker:       db,
		MetricsHandler:      metrics.Handler(promReg),
		WebSocket:           wsHandler,
		ConversationService: chatService,
		NotificationService: notifier,
	})

	// WebSocketは長時間接続のためWriteTimeoutを設定しない。書き込みはws.Clientが個別に期限を付ける
	return &server{
		http: &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ws:       wsHandler,
		calls:    callManager,
		presence: registry,
		limiter:  limiter,
	}
}

// shutdown は新規受付を止め、通話を打ち切ってからWebSocket接続を閉じる。
// 通話はWebSocket切断より先に終了させ、監査記録の終了理由をserver_shutdownにする。
func (s *server) shutdown(ctx context.Context) error {
	var errs []error

	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.calls.Shutdown(ctx)
	if err := s.ws.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}
	s.presence.Shutdown()
	s.limiter.Stop()
	if s.closePush != nil {
		s.closePush()
	}

	return errors.Join(errs...)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. プッシュ配信先
	gateway, closePush, err := newPushGateway(cfg, log)
	if err != nil {
		return err
	}

	srv := newServer(cfg, db, gateway, log)
	srv.closePush = closePush

	// 3. HTTPサーバーの起動
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", srv.http.Addr))
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("server listen error", slog.String("error", err.Error()))
			srv.shutdown(context.Background())
			return fmt.Errorf("server listen failed: %w", err)
		}
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// newPushGateway は設定に応じたプッシュ配信先を生成する。
// 戻り値の関数は停止時に呼び、未送信の要求を流し切ってから接続を閉じる。
func newPushGateway(cfg *config.Config, log *slog.Logger) (push.Gateway, func(), error) {
	if log == nil {
		log = slog.Default()
	}

	switch cfg.PushGateway {
	case config.PushGatewayNATS:
		nc, err := push.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("push gateway: nats", slog.String("subject_prefix", cfg.NATSPushSubject))
		return push.NewNATSGateway(nc, cfg.NATSPushSubject), func() {
			if err := nc.Drain(); err != nil {
				log.Warn("NATS接続のドレインに失敗しました", slog.String("error", err.Error()))
			}
		}, nil

	case config.PushGatewayWebhook:
		guard := security.NewURLGuard()
		log.Info("push gateway: webhook")
		return push.NewWebhookGateway(guard.NewSafeClient(cfg.PushTimeout), cfg.PushWebhookURL), func() {}, nil

	default:
		return push.NewLogGateway(log), func() {}, nil
	}
}

// openDatabase はプール設定付きでDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// runWorker はワーカーモードで起動する。
// 保持期間ジョブをRetentionInterval間隔で実行し、シグナル受信で停止する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := retention.NewJob(db, slog.Default())
	job.NotificationRetentionDays = cfg.NotificationRetentionDays
	job.CallAuditRetentionDays = cfg.CallAuditRetentionDays
	job.Start(ctx, cfg.RetentionInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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
