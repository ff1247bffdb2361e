package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/term"

	"bridgesim/internal/config"
	"bridgesim/internal/sim"
)

const defaultGreptimePort = 4001

// Console sink names accepted by --events.
const (
	sinkAuto  = "auto"
	sinkJSON  = "json"
	sinkColor = "color"
	sinkNone  = "none"
)

// newWriters assembles the event sinks for a run: a console sink, GreptimeDB
// when GREPTIMEDB_ENDPOINT is set and an optional JSONL log file. The cleanup
// function closes any files.
func newWriters(cfg *config.SimulationConfig, sink string, printOnly bool, logFile string) (sim.EventWriter, func(), error) {
	cleanup := func() {}

	var writers []sim.EventWriter
	console, err := consoleWriter(cfg, sink)
	if err != nil {
		return nil, nil, err
	}
	if console != nil {
		writers = append(writers, console)
	}

	if !printOnly && os.Getenv("GREPTIMEDB_ENDPOINT") != "" {
		gw, err := greptimeWriter()
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, gw)
	}

	if logFile != "" {
		fw, err := sim.NewFileWriter(logFile, logFile+".blocks")
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, fw)
		cleanup = func() { fw.Close() }
	}

	switch len(writers) {
	case 0:
		return nil, cleanup, nil
	case 1:
		return writers[0], cleanup, nil
	}
	return sim.NewMultiWriter(writers...), cleanup, nil
}

// consoleWriter picks the STDOUT sink. auto selects colors on a terminal and
// JSON lines otherwise.
func consoleWriter(cfg *config.SimulationConfig, sink string) (sim.EventWriter, error) {
	if sink == sinkAuto {
		sink = sinkJSON
		if term.IsTerminal(int(os.Stdout.Fd())) {
			sink = sinkColor
		}
	}
	switch sink {
	case sinkJSON:
		return sim.NewJSONStdoutWriter(), nil
	case sinkColor:
		return sim.NewColorStdoutWriter(cfg), nil
	case sinkNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown event sink %q (auto, json, color, none)", sink)
}

// greptimeWriter reads GREPTIMEDB_ENDPOINT (host or host:port),
// GREPTIMEDB_DATABASE and GREPTIMEDB_TABLE.
func greptimeWriter() (*sim.GreptimeDBWriter, error) {
	host, port, err := splitEndpoint(os.Getenv("GREPTIMEDB_ENDPOINT"))
	if err != nil {
		return nil, err
	}
	database := os.Getenv("GREPTIMEDB_DATABASE")
	if database == "" {
		database = "public"
	}
	return sim.NewGreptimeDBWriter(host, port, database, os.Getenv("GREPTIMEDB_TABLE"))
}

func splitEndpoint(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		// no port
		return endpoint, defaultGreptimePort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid GREPTIMEDB_ENDPOINT port %q", portStr)
	}
	return host, port, nil
}
