package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the schema accepted by --config, as YAML or (for *.toml
// files) TOML. Every field maps onto one environment variable, so a file only
// ever supplies defaults that the environment and flags can override.
type fileConfig struct {
	Port            *int     `yaml:"port" toml:"port"`
	ListenAddr      string   `yaml:"listen_addr" toml:"listen_addr"`
	PublicBaseURL   string   `yaml:"public_base_url" toml:"public_base_url"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins"`
	Mode            string   `yaml:"mode" toml:"mode"`
	LogFormat       string   `yaml:"log_format" toml:"log_format"`
	LogLevel        string   `yaml:"log_level" toml:"log_level"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	WebSocket struct {
		IdleTimeout       string `yaml:"idle_timeout" toml:"idle_timeout"`
		PingInterval      string `yaml:"ping_interval" toml:"ping_interval"`
		MaxMessageBytes   *int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
		MessagesPerSecond *int   `yaml:"messages_per_second" toml:"messages_per_second"`
		SendQueueBytes    *int   `yaml:"send_queue_bytes" toml:"send_queue_bytes"`
	} `yaml:"websocket" toml:"websocket"`

	Pairing struct {
		HistoryLimit *int `yaml:"history_limit" toml:"history_limit"`
		OfflineLimit *int `yaml:"offline_limit" toml:"offline_limit"`
		MaxDevices   *int `yaml:"max_devices" toml:"max_devices"`
	} `yaml:"pairing" toml:"pairing"`

	ICE struct {
		ServersJSON    string   `yaml:"servers_json" toml:"servers_json"`
		STUNURLs       []string `yaml:"stun_urls" toml:"stun_urls"`
		TURNURLs       []string `yaml:"turn_urls" toml:"turn_urls"`
		TURNUsername   string   `yaml:"turn_username" toml:"turn_username"`
		TURNCredential string   `yaml:"turn_credential" toml:"turn_credential"`
	} `yaml:"ice" toml:"ice"`

	TURNREST struct {
		SharedSecret   string `yaml:"shared_secret" toml:"shared_secret"`
		TTLSeconds     *int64 `yaml:"ttl_seconds" toml:"ttl_seconds"`
		UsernamePrefix string `yaml:"username_prefix" toml:"username_prefix"`
	} `yaml:"turn_rest" toml:"turn_rest"`
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	parse := parseYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		parse = parseTOML
	}
	values, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return values, nil
}

// parseYAML decodes a YAML document strictly (unknown keys are errors) and
// flattens it into environment-variable form.
func parseYAML(raw []byte) (map[string]string, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return fc.values(), nil
}

func parseTOML(raw []byte) (map[string]string, error) {
	var fc fileConfig
	meta, err := toml.Decode(string(raw), &fc)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return fc.values(), nil
}

func (fc fileConfig) values() map[string]string {
	out := make(map[string]string)
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			out[key] = strconv.Itoa(*v)
		}
	}
	setInt64 := func(key string, v *int64) {
		if v != nil {
			out[key] = strconv.FormatInt(*v, 10)
		}
	}

	setInt(envVarPort, fc.Port)
	set(envVarListenAddr, fc.ListenAddr)
	set(envVarPublicBaseURL, fc.PublicBaseURL)
	set(envVarAllowedOrigins, strings.Join(fc.AllowedOrigins, ","))
	set(envVarMode, fc.Mode)
	set(envVarLogFormat, fc.LogFormat)
	set(envVarLogLevel, fc.LogLevel)
	set(envVarShutdownTimeout, fc.ShutdownTimeout)

	set(envVarWSIdleTimeout, fc.WebSocket.IdleTimeout)
	set(envVarWSPingInterval, fc.WebSocket.PingInterval)
	setInt64(envVarMaxMessageBytes, fc.WebSocket.MaxMessageBytes)
	setInt(envVarMaxMessagesPerSecond, fc.WebSocket.MessagesPerSecond)
	setInt(envVarSendQueueBytes, fc.WebSocket.SendQueueBytes)

	setInt(envVarHistoryLimit, fc.Pairing.HistoryLimit)
	setInt(envVarOfflineLimit, fc.Pairing.OfflineLimit)
	setInt(envVarMaxDevices, fc.Pairing.MaxDevices)

	set(envICEServersJSON, fc.ICE.ServersJSON)
	set(envStunURLs, strings.Join(fc.ICE.STUNURLs, ","))
	set(envTurnURLs, strings.Join(fc.ICE.TURNURLs, ","))
	set(envTurnUsername, fc.ICE.TURNUsername)
	set(envTurnCredential, fc.ICE.TURNCredential)

	set(envVarTURNRESTSharedSecret, fc.TURNREST.SharedSecret)
	setInt64(envVarTURNRESTTTLSeconds, fc.TURNREST.TTLSeconds)
	set(envVarTURNRESTUsernamePrefix, fc.TURNREST.UsernamePrefix)
	return out
}
