package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/userquery/internal/config"
	"github.com/hitoshi/userquery/internal/handler"
	"github.com/hitoshi/userquery/internal/logger"
	"github.com/hitoshi/userquery/internal/metrics"
	"github.com/hitoshi/userquery/internal/middleware"
	"github.com/hitoshi/userquery/internal/model"
	"github.com/hitoshi/userquery/internal/query"
	"github.com/hitoshi/userquery/internal/security"
	"github.com/hitoshi/userquery/internal/userstore"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// logwが指定された場合はログ出力先としてそのwriterを使用する。
func Init(logw io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(logw, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(logw, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。コマンドの出力はstdoutに、ログはlogwに書き込む。
func Run(stdout, logw io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(logw)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Debug("starting application",
		slog.String("command", string(cmd)),
		slog.String("users_base_url", cfg.UsersBaseURL),
		slog.Bool("safe_fetch", cfg.UsersSafeFetch),
	)

	switch cmd {
	case CommandCount, CommandEmails, CommandFind:
		return runQuery(context.Background(), cfg, cmd, args[1:], stdout)
	default:
		return runServe(cfg)
	}
}

// components はユーザーストアを中心とした依存関係をまとめたもの。
type components struct {
	store    *userstore.Store
	engine   *query.Engine
	registry *prometheus.Registry
}

// buildComponents は設定からHTTPクライアント、ユーザーストア、クエリエンジンを組み立てる。
func buildComponents(cfg *config.Config) (*components, error) {
	client, err := newUsersHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	store := userstore.New(client, cfg.UsersBaseURL,
		userstore.WithLogger(slog.Default()),
		userstore.WithMetrics(collector),
		userstore.WithMaxBodySize(cfg.UsersMaxBodySize),
	)
	engine := query.NewEngine(store,
		query.WithLogger(slog.Default()),
		query.WithMetrics(collector),
	)

	return &components{store: store, engine: engine, registry: reg}, nil
}

// newUsersHTTPClient はユーザーAPI呼び出し用のHTTPクライアントを生成する。
// USERS_SAFE_FETCHが有効な場合はSSRF防止付きクライアントを使い、
// 無効な場合はnet/httpのデフォルトクライアントを使う。
func newUsersHTTPClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.UsersSafeFetch {
		return http.DefaultClient, nil
	}

	guard := security.NewSSRFGuard()
	if err := guard.ValidateURL(cfg.UsersBaseURL); err != nil {
		return nil, fmt.Errorf("USERS_BASE_URL rejected by SSRF guard: %w", err)
	}
	return guard.NewSafeClient(allowedPorts(cfg.UsersBaseURL)...), nil
}

// allowedPorts はベースURLに明示されたポートを許可リストとして返す。
// ポート指定がない場合はnilを返し、ガード側のデフォルト（80/443）に従う。
func allowedPorts(baseURL string) []int {
	u, err := url.Parse(baseURL)
	if err != nil || u.Port() == "" {
		return nil
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil
	}
	return []int{p}
}

// runQuery はユーザーデータを1回読み込み、指定されたクエリの結果をJSONで出力する。
func runQuery(ctx context.Context, cfg *config.Config, cmd Command, args []string, stdout io.Writer) error {
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	if err := c.store.Load(ctx); err != nil {
		return err
	}

	var result any
	switch cmd {
	case CommandCount:
		result = map[string]int{"count": c.engine.NumberOfUsers()}
	case CommandEmails:
		emails, err := c.engine.EmailList()
		if err != nil {
			return err
		}
		result = map[string][]string{"emails": emails}
	case CommandFind:
		criteria, err := parseCriteria(args)
		if err != nil {
			return err
		}
		users, err := c.engine.FindUsers(criteria)
		if err != nil {
			return err
		}
		result = map[string][]model.User{"users": users}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// parseCriteria はfindコマンドの引数から検索条件を読み取る。
// 引数がない場合は空の条件を返し、検索側でNoSearchParamsエラーとなる。
func parseCriteria(args []string) (model.Criteria, error) {
	if len(args) == 0 {
		return model.Criteria{}, nil
	}
	var criteria model.Criteria
	if err := json.Unmarshal([]byte(args[0]), &criteria); err != nil {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("criteria must be a JSON object: %v", err))
	}
	return criteria, nil
}

// runServe はAPIサーバーモードで起動する。
// 起動時にユーザーデータを1回読み込み、HTTPサーバーを起動する。
// 読み込みに失敗してもサーバーは起動し、/api/users/reloadで再試行できる。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. 依存関係の組み立て
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	// 2. 初回読み込み
	if err := c.store.Load(context.Background()); err != nil {
		slog.Warn("initial user load failed; serving empty cache",
			slog.String("error", err.Error()),
		)
	}

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.ConfigFromPerMinute(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		RateLimiter:    rateLimiter,
		Loader:         c.store,
		Queries:        c.engine,
		MetricsHandler: metrics.Handler(c.registry),
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("users_endpoint", c.store.Endpoint()),
			slog.Int("user_count", c.store.Count()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
