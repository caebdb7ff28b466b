// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the daemon"`
	Tail    TailCmd    `cmd:"" help:"Follow a conversation or job event stream"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd starts the HTTP daemon.
type ServeCmd struct {
	Config string `help:"Config file path" default:"agentd.toml"`
	Addr   string `help:"Listen address (overrides config)"`
}

// TailCmd follows an event stream and renders it to the terminal.
type TailCmd struct {
	ID    string `arg:"" help:"Conversation or job id"`
	Addr  string `help:"Daemon address" default:"127.0.0.1:8377"`
	Job   bool   `help:"Tail a job instead of a conversation"`
	Plain bool   `help:"Disable styled output"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
