// Command epmd runs the embedded Erlang Port Mapper Daemon: a drop-in
// stand-in for the stock epmd, good enough for development clusters.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sile/erl-dist/epmd"
	"github.com/sile/erl-dist/lib"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	host := flag.String("host", "", "host to listen on (overrides config)")
	port := flag.Int("port", 0, "port to listen on (overrides config)")
	trace := flag.Bool("trace", false, "enable protocol trace logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	if *trace {
		cfg.Trace = true
	}

	if cfg.Trace {
		lib.EnableLog()
	}

	server, err := epmd.StartServer(epmd.ServerOptions{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("epmd: up and running on port %d\n", server.Port())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	server.Stop()
}
