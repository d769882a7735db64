package config

type Config struct {
	NotifyAddr string
}
