// Package logger はJSON構造化ログのセットアップを提供する。
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level はSetupで生成したロガーが共有するログレベル。
// 設定の読み込み前にロガーを作り、後からSetLevelで変更する。
var level = new(slog.LevelVar)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}

// SetLevel はdebug、info、warn、errorのいずれかでログレベルを変更する。
func SetLevel(name string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.Set(l)
	return nil
}
