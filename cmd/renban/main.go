// Package main はRenbanコマンドの実装です
package main

import (
	"fmt"
	"os"
)

// Version はビルド時に -ldflags で設定される
var Version = "dev"

func main() {
	app := newCLIApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
