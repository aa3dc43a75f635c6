package main

import "time"

// Flag structs keep cobra out of the command logic.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

type TenantPutFlags struct {
	OwnerUserID    string
	BotName        string
	ApplicationID  string
	Token          string
	TokenFile      string
	DefaultVolume  int
	Enable247      bool
	EnableAutoplay bool
}

type StatsFlags struct {
	Database bool
	Watch    bool
	Interval time.Duration
}
