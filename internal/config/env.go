package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over the config file so secrets can stay out of it.
const (
	EnvToken    = "BOT_TOKEN"
	EnvChannel  = "CHANNEL"
	EnvTimezone = "SCHEDULE_TIMEZONE"
)

// envLookup merges the optional .env file under the process environment.
func envLookup(envFile string) (func(string) (string, bool), error) {
	fileVars := map[string]string{}
	if strings.TrimSpace(envFile) != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvToken)
	set(&cfg.Telegram.Channel, EnvChannel)
	set(&cfg.Schedule.Timezone, EnvTimezone)
}
