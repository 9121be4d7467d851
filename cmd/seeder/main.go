package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/config"
	"github.com/clubmate/newsletter-backend/internal/db"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	conn, err := db.Open(cfg.PostgresDSN())
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer conn.Close()

	seedFiles := []string{
		"seed/recipients.sql",
		"seed/campaigns.sql",
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}

		if _, err := conn.Exec(string(content)); err != nil {
			log.Fatal("failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		fmt.Printf("Seeded: %s\n", file)
	}

	fmt.Println("Database seeding completed successfully!")
}
