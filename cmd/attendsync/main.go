// Command attendsync は出席データ取り込みサーバーと端末エージェントを起動する。
//
// サブコマンド:
//
//	serve        取り込みAPIサーバー（デフォルト）
//	agent        顔画像ミラーの定期同期・出席ログのアップロード・ローカルAPI
//	sync         顔画像ミラーを1回だけ同期してレポートを出力
//	migrate      PostgreSQLのマイグレーションを実行
//	healthcheck  /health を叩いて終了コードで結果を返す
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/attendsync/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("アプリケーションの実行に失敗しました", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
