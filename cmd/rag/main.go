package main

import (
	"github.com/joho/godotenv"

	"ragpipe/internal/cli"
)

func main() {
	// a missing .env is fine; the environment may already carry the keys
	_ = godotenv.Load()
	cli.Execute()
}
