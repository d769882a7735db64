package config

import "time"

type Config struct {
	ServerAddr      string
	ShutdownTimeout time.Duration
}
