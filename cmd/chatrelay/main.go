package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/chatrelay/chatrelay/cmd/chatrelay/commands"
)

func main() {
	// Missing .env is fine; real env vars still apply.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
