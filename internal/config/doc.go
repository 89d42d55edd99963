// Package config loads, validates and watches the bot configuration.
//
// The file is JSON or YAML and is decoded strictly on top of Default().
// BOT_TOKEN, CHANNEL and SCHEDULE_TIMEZONE from the environment (or a .env
// file) override the file.
package config
