package main

import (
	"context"
	"log"
	"os"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/app/bootstrap"
)

func main() {
	ctx := context.Background()
	configPath := "configs/default.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	runtime, err := bootstrap.NewRuntime(ctx, configPath)
	if err != nil {
		log.Fatalf("bootstrap materializer runtime: %v", err)
	}
	if err := runtime.RunMaterializer(ctx); err != nil {
		log.Fatalf("run materializer: %v", err)
	}
}
