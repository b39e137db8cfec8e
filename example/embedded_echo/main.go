package main

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/loykin/craftvisor"
)

// Mounts the craftvisor API inside an existing Echo application.
// SERVER_DIR must contain the server's start script.
func main() {
	base := os.Getenv("API_BASE")
	if base == "" {
		base = "/api"
	}
	dir := os.Getenv("SERVER_DIR")
	if dir == "" {
		log.Fatal("SERVER_DIR is required")
	}

	bus := craftvisor.NewBus()
	bus.Subscribe(func(e craftvisor.Event) {
		if j, ok := e.(craftvisor.JoinEvent); ok {
			log.Printf("%s joined %s", j.Player, j.Server)
		}
	})
	mgr := craftvisor.New(bus)
	mgr.AddServer("survival", dir, craftvisor.Config{StopCommand: "stop"})
	mgr.Start("survival")

	h := craftvisor.NewRouter(mgr, bus, base).Handler()
	e := echo.New()
	e.HideBanner = true
	e.Any(base, echo.WrapHandler(h))
	e.Any(base+"/*", echo.WrapHandler(h))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	log.Println("starting echo server on :8080 with base", base)
	if err := e.Start(":8080"); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
