//go:build linux

// ringcapd is the ringcap capture daemon.
//
// It sources frames from netmap-mode interfaces, runs them through the
// filter and decode stages, and in inline mode forwards them between a
// pair of interfaces without copying.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/ringcap/pkg/daemon"
	"github.com/psaab/ringcap/pkg/logging"
)

func main() {
	configFile := flag.String("config", "/etc/ringcap/ringcap.yaml", "configuration file path")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (overrides config)")
	syslogAddr := flag.String("syslog", "", "forward logs to a UDP syslog collector (host:port)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	closeLogs, err := logging.Setup(*debug, *syslogAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringcapd: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	d := daemon.New(daemon.Options{
		ConfigFile:  *configFile,
		MetricsAddr: *metricsAddr,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ringcapd: %v\n", err)
		os.Exit(1)
	}
}
