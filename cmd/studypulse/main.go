// Command studypulse は学習セッション・滞在時間トラッキングのAPIサーバーおよびワーカーを起動する。
//
// 使い方:
//
//	studypulse [serve]             APIサーバーを起動する
//	studypulse worker              要注意アカウントの集計ジョブを起動する
//	studypulse migrate [up|down N|version]
//	studypulse healthcheck         /health を確認する（distroless用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/studypulse/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
