package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/loykin/craftvisor"
)

// This example runs the servers of a TOML config file together with their
// scheduled tasks. Metrics are printed every few seconds; ^C stops everything.
func main() {
	cfgPath := filepath.Join("config", "craftvisor.toml")
	fc, err := craftvisor.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}

	bus := craftvisor.NewBus()
	mgr := craftvisor.New(bus)
	if _, err := mgr.ApplyConfig(fc); err != nil {
		panic(err)
	}
	for _, s := range fc.Servers {
		if s.AutoStart {
			mgr.Start(s.Name)
		}
	}

	loc, err := fc.Location()
	if err != nil {
		panic(err)
	}
	sched := craftvisor.NewScheduler(mgr, loc)
	if err := craftvisor.ScheduleConfig(sched, fc); err != nil {
		panic(err)
	}
	sched.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			b, _ := json.MarshalIndent(mgr.AllMetrics(), "", "  ")
			fmt.Println(string(b))
		case <-sig:
			sched.Stop(5 * time.Second)
			mgr.StopAll(fc.Server.ShutdownGrace, 10*time.Second)
			return
		}
	}
}
