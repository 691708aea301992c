package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとWebSocketゲートウェイを起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は保持期間ジョブを定期実行するワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker:
		return CommandWorker
	case CommandMigrate:
		return CommandMigrate
	case CommandHealthcheck:
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
