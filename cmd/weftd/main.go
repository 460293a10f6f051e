// Command weftd hosts one or more weft workers described by a TOML file.
//
// The directory is a badger database shared by the workers of the
// daemon. Processes and connections listed in the file are declared on
// the first start and restored from the directory afterwards.
//
//	directory    = "/var/lib/weft"
//	metrics_addr = "127.0.0.1:9102"
//
//	[[worker]]
//	name   = "w1"
//	listen = "127.0.0.1:7400"
//
//	[[process]]
//	name       = "clock"
//	instance   = "w1"
//	definition = "ticker"
//	param      = "500ms"
//
//	[[connection]]
//	from = "clock:out"
//	to   = "log:in"
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	configPath := flag.String("config", "weftd.toml", "path to the TOML configuration")
	check := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *check {
		fmt.Printf("%s: %d worker(s), %d process(es), %d connection(s)\n",
			*configPath, len(cfg.Workers), len(cfg.Processes), len(cfg.Connections))
		return
	}

	newApp(cfg).Run()
}
