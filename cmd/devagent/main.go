// Command devagent is a stand-in for the Krishi Setu backend: it speaks the
// voice websocket protocol and the REST endpoints with canned answers, so the
// client can be exercised end to end without any model or synthesis service.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	addr := strings.TrimSpace(os.Getenv("DEVAGENT_ADDR"))
	if addr == "" {
		addr = ":8000"
	}
	baseURL := strings.TrimSpace(os.Getenv("DEVAGENT_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost" + addr
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	g, err := newGateway(baseURL, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "devagent:", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	g.routes(e)

	log.Info("devagent listening", "addr", addr)
	if err := e.Start(addr); err != nil {
		fmt.Fprintln(os.Stderr, "devagent:", err)
		os.Exit(1)
	}
}
