package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/vidfriends/vidgen/internal/app"
)

func main() {
	// A .env file in the working directory supplies VIDGEN_* defaults.
	_ = godotenv.Load()

	if err := app.Run(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
