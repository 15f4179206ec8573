package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/queue"
	"github.com/msageha/conductor/internal/setup"
	"github.com/msageha/conductor/internal/uds"
)

const version = "0.3.0"

const dirName = setup.DirName

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "active":
		runActive(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "poll":
		runPoll(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	projectDir := "."
	if len(args) > 0 {
		projectDir = args[0]
	}
	base, err := setup.Run(projectDir)
	if err != nil {
		fatalf("init: %v", err)
	}
	fmt.Printf("initialized %s\n", base)
}

func runDaemon(_ []string) {
	dir := mustFindDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fatalf("load config: %v", err)
	}

	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fatalf("create log dir: %v", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "daemon.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fatalf("open daemon log: %v", err)
	}
	defer logFile.Close()
	logger := logging.New(io.MultiWriter(os.Stderr, logFile), logging.ParseLevel(cfg.Logging.Level))

	d, err := daemon.Load(dir, cfg, logger)
	if err != nil {
		fatalf("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runStatus(args []string) {
	jsonOutput := parseJSONFlag(args, "status")
	var st daemon.Status
	call(uds.CmdPing, nil, &st)
	if jsonOutput {
		printJSON(st)
		return
	}
	fmt.Printf("pid:        %d\n", st.PID)
	fmt.Printf("phase:      %s\n", st.Phase)
	fmt.Printf("active:     %d/%d\n", st.Active, st.Capacity)
	fmt.Printf("queued:     %d (blocked %d, parked %d)\n", st.Queued, st.Blocked, st.Parked)
	if st.Cycle != "" {
		fmt.Printf("cycle:      %s\n", st.Cycle)
	}
	fmt.Printf("agents:     %s\n", strings.Join(st.AgentKeys, ", "))
	if !st.Poll.LastSuccess.IsZero() {
		fmt.Printf("last poll:  %s (%d items)\n", st.Poll.LastSuccess.Format(time.RFC3339), st.Poll.LastFetched)
	}
	if st.Poll.Failures > 0 {
		fmt.Printf("poll failures: %d consecutive\n", st.Poll.Failures)
	}
}

func runQueue(args []string) {
	jsonOutput := parseJSONFlag(args, "queue")
	var items []model.ScoredItem
	call(uds.CmdQueued, nil, &items)
	if jsonOutput {
		printJSON(items)
		return
	}
	if len(items) == 0 {
		fmt.Println("queue is empty")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tSCORE\tSTATE\tAGENT\tTITLE")
	for i, s := range items {
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%s\t%s\t%s\n", i+1, s.Item.ID, s.Score.Total, s.Item.State, s.Item.AgentType, s.Item.Title)
	}
	tw.Flush()
}

func runActive(args []string) {
	jsonOutput := parseJSONFlag(args, "active")
	var slots []queue.SlotStatus
	call(uds.CmdActive, nil, &slots)
	if jsonOutput {
		printJSON(slots)
		return
	}
	if len(slots) == 0 {
		fmt.Println("no active executions")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tEXECUTION\tELAPSED")
	for _, s := range slots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.AgentType, s.ExecutionID, (time.Duration(s.ElapsedSec) * time.Second).String())
	}
	tw.Flush()
}

func runDispatch(args []string) {
	if len(args) != 1 {
		fatalf("usage: conductor dispatch <item-id>")
	}
	var res daemon.DispatchResult
	call(uds.CmdDispatch, uds.DispatchParams{ID: args[0]}, &res)
	fmt.Printf("dispatched %s to %s (execution %s)\n", res.ID, res.AgentType, res.ExecutionID)
}

func runPoll(_ []string) {
	call(uds.CmdPoll, nil, nil)
	fmt.Println("poll scheduled")
}

// runDown asks the daemon to shut down and waits for its socket to go away.
func runDown(_ []string) {
	dir := mustFindDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	client := uds.NewClient(socketPath(dir, cfg))
	if err := client.Call(uds.CmdShutdown, nil, nil); err != nil {
		fatalf("down: %v", err)
	}
	fmt.Println("shutdown requested")

	wait := cfg.Shutdown.Timeout() + cfg.Shutdown.SubprocessTermTimeout() + 5*time.Second
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath(dir, cfg)); errors.Is(err, os.ErrNotExist) {
			fmt.Println("daemon stopped")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fatalf("daemon still running after %s", wait)
}

func call(command string, params, out any) {
	dir := mustFindDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	client := uds.NewClient(socketPath(dir, cfg))
	client.SetTimeout(10 * time.Second)
	if err := client.Call(command, params, out); err != nil {
		fatalf("%s: %v", command, err)
	}
}

func parseJSONFlag(args []string, command string) bool {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fatalf("unknown flag: %s\nusage: conductor %s [--json]", a, command)
		}
	}
	return jsonOutput
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode: %v", err)
	}
}

func mustFindDir() string {
	dir := findDir()
	if dir == "" {
		fatalf("error: %s/ directory not found in this or any parent directory", dirName)
	}
	return dir
}

// findDir walks up from the working directory looking for .conductor/.
func findDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, dirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(dir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("invalid config.yaml: %w", err)
	}
	return cfg, nil
}

func socketPath(dir string, cfg model.Config) string {
	socket := cfg.Console.Socket
	if socket == "" {
		socket = uds.DefaultSocketName
	}
	if filepath.IsAbs(socket) {
		return socket
	}
	return filepath.Join(dir, socket)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor %s - priority-driven task orchestration

Usage: conductor <command> [options]

Daemon:
  init [dir]          Create .conductor/ with a default config and items file
  daemon              Run the scheduler in the foreground
  down                Request graceful shutdown and wait for it

Console (CLI -> Daemon):
  status [--json]     Show daemon status
  queue [--json]      Show queued items in dispatch order
  active [--json]     Show running executions
  dispatch <id>       Start one queued item now
  poll                Poll the task source immediately

Utilities:
  version             Show version
  help                Show this help

`, version)
}
