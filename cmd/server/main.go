package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"freefall/internal/server"
)

func main() {
	srv := server.New()
	srv.RegisterFiberRoutes()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-done
		if err := srv.Shutdown(); err != nil {
			log.Printf("[SERVER] Shutdown error: %v", err)
		}
	}()

	if err := srv.Listen(fmt.Sprintf(":%d", srv.Port())); err != nil {
		log.Fatalf("[SERVER] Listen: %v", err)
	}
}
