package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/persistence"
)

const (
	defaultListenAddr = "127.0.0.1:7788"
	shutdownTimeout   = 30 * time.Second
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして起動する。
// ログはlogOutに、statusコマンドの結果はstdoutに出力する。
func Run(stdout, logOut io.Writer, args []string) error {
	if args == nil {
		args = []string{}
	}
	cmd := NewRootCommand(stdout, logOut)
	cmd.SetArgs(args)
	return cmd.Execute()
}

// NewRootCommand はsavlinkのルートコマンドを生成する。
func NewRootCommand(stdout, logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "savlink",
		Short:         "savlink - authentication session reconciler",
		Long:          "IdPのセッションとバックエンドのプロフィールを調停し、ローカルAPIとして公開する。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logOut)
		},
	}
	cmd.SetOut(stdout)

	cmd.AddCommand(newServeCommand(logOut))
	cmd.AddCommand(newStatusCommand(stdout, logOut))
	cmd.AddCommand(newHealthcheckCommand())

	return cmd
}

func newServeCommand(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "セッション調停を開始し、ローカルAPIを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logOut)
		},
	}
}

func newStatusCommand(stdout, logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "保存先の利用可否と資格情報の保存方針を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), stdout, logOut)
		},
	}
}

func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "起動中のサーバーの/healthを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// 軽量サブコマンドのため、フル初期化をスキップする
			addr := os.Getenv("SAVLINK_LISTEN_ADDR")
			if addr == "" {
				addr = defaultListenAddr
			}
			return runHealthcheck(addr)
		},
	}
}

// runServe はセッション調停とHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, logOut io.Writer) error {
	cfg, logger, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting application",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("build_mode", string(cfg.BuildMode)),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("credential_tier", string(components.Tier)),
		slog.Bool("tracing", cfg.TracingEnabled()),
	)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	components.Start(ctx)
	return serveHTTP(ctx, listener, components.Router, logger)
}

// serveHTTP はctxがキャンセルされるまでHTTPサーバーを動かし、その後シャットダウンする。
func serveHTTP(ctx context.Context, listener net.Listener, h http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server starting", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("API server stopped gracefully")
	return nil
}

// statusReport はstatusコマンドの出力。
type statusReport struct {
	DataDir          string `json:"data_dir"`
	DurableAvailable bool   `json:"durable_available"`
	SessionAvailable bool   `json:"session_available"`
	Preference       string `json:"preference"`
	CredentialTier   string `json:"credential_tier"`
	Degraded         bool   `json:"degraded"`
	RedirectPending  bool   `json:"redirect_pending"`
}

// runStatus は保存先の判定結果をJSONで出力する。
func runStatus(ctx context.Context, stdout, logOut io.Writer) error {
	cfg, logger, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, selector, caps, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	pref := selector.Preference(ctx)
	tier, degraded := persistence.Select(pref, caps)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(statusReport{
		DataDir:          cfg.DataDir,
		DurableAvailable: caps.Durable,
		SessionAvailable: caps.Session,
		Preference:       preferenceLabel(pref),
		CredentialTier:   string(tier),
		Degraded:         degraded,
		RedirectPending:  selector.RedirectPending(ctx),
	})
}

func preferenceLabel(pref model.PersistencePreference) string {
	if pref == model.PreferenceNone {
		return "unset"
	}
	return string(pref)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(addr string) error {
	url := fmt.Sprintf("http://%s/health", addr)
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
