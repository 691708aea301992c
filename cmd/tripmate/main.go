// tripmate はリアルタイム通信コア（プレゼンス、チャット、通話シグナリング、通知）を起動する。
//
//	tripmate [serve|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/tripmate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
