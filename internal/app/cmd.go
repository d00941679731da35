package app

import "github.com/hitoshi/attendsync/internal/config"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は取り込みAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandAgent は端末エージェントモード（定期同期・アップロード・ローカルAPI）で起動することを示す。
	CommandAgent Command = "agent"
	// CommandSync は顔画像ミラーを1回だけ同期してレポートを出力することを示す。
	CommandSync Command = "sync"
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

	switch args[0] {
	case "serve":
		return CommandServe
	case "agent":
		return CommandAgent
	case "sync":
		return CommandSync
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// ConfigMode はコマンドに対応する設定の読み込みモードを返す。
func (c Command) ConfigMode() config.Mode {
	switch c {
	case CommandAgent:
		return config.ModeAgent
	case CommandSync:
		return config.ModeSync
	case CommandMigrate:
		return config.ModeMigrate
	default:
		return config.ModeServe
	}
}
