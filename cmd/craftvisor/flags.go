package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Insecure   bool
}

type StatusFlags struct {
	APIFlags
	Watch    bool
	Interval time.Duration
}

type CommandFlags struct {
	APIFlags
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type ProvisionFlags struct {
	ConfigPath string
}
