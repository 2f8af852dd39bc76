// Package main runs a demo WebSocket client for plan events.
//
// It creates a plan for every active location and available resource on
// the given date, subscribes to the plan's event socket, starts an
// optimize run and prints the events it receives.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type event struct {
	Type   string         `json:"type"`
	PlanID string         `json:"planId"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data"`
}

func post(base, path string, body any, out any) error {
	b, _ := json.Marshal(body)
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var p map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&p)
		return fmt.Errorf("%s: %d %v", path, resp.StatusCode, p["detail"])
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	date := flag.String("date", time.Now().Format("2006-01-02"), "plan date")
	budget := flag.Int("budget", 5, "optimizer time budget in seconds")
	flag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	host := "localhost:" + port
	base := "http://" + host

	var plan struct {
		ID string `json:"id"`
	}
	if err := post(base, "/v1/plans", map[string]any{"planDate": *date}, &plan); err != nil {
		log.Fatal(err)
	}
	log.Printf("Plan ID: %s", plan.ID)

	u := url.URL{Scheme: "ws", Host: host, Path: "/v1/plans/" + plan.ID + "/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var e event
			if err := c.ReadJSON(&e); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %v", e.Type, e.Data)
			if e.Type == "plan.optimized" || e.Type == "plan.optimize_failed" {
				return
			}
		}
	}()

	go func() {
		var res struct {
			Coverage struct {
				Percentage float64 `json:"coveragePercentage"`
			} `json:"coverage"`
		}
		if err := post(base, "/v1/plans/"+plan.ID+"/optimize", map[string]any{"timeBudgetSeconds": *budget}, &res); err != nil {
			log.Printf("optimize: %v", err)
			return
		}
		log.Printf("coverage %.2f%%", res.Coverage.Percentage)
	}()

	select {
	case <-time.After(time.Duration(*budget+10) * time.Second):
	case <-done:
	}
}
