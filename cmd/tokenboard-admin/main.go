// tokenboard-admin 是运维命令集：建用户、发放 Token、修复累计值与重排名次。
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
