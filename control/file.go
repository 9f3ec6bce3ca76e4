// control/file.go
// Author: momentics <momentics@gmail.com>
//
// TOML configuration file for the command-line host.

package control

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultWorkers is used when a file does not set workers.
const DefaultWorkers = 4

// File is the decoded configuration file.
//
//	workers = 4
//	log_level = "info"
//
//	[[route]]
//	local_port = 8080
//	remote_host = "backend.internal"
//	remote_port = 80
//	poll_timeout = "50ms"
type File struct {
	Workers       int     `toml:"workers"`
	LogLevel      string  `toml:"log_level"`
	StatsInterval string  `toml:"stats_interval"`
	Routes        []Route `toml:"route"`
}

// Route is one [[route]] table.
type Route struct {
	LocalPort   uint16 `toml:"local_port"`
	RemoteHost  string `toml:"remote_host"`
	RemotePort  uint16 `toml:"remote_port"`
	BindHost    string `toml:"bind_host"`
	BufferSize  int    `toml:"buffer_size"`
	PollTimeout string `toml:"poll_timeout"`
	IdleWait    string `toml:"idle_wait"`
	MaxEvents   int    `toml:"max_events"`
}

// LoadFile decodes path. Unknown keys are rejected.
func LoadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, invalid("unknown configuration keys", "keys", strings.Join(keys, ","))
	}
	if f.Workers == 0 {
		f.Workers = DefaultWorkers
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if len(f.Routes) == 0 {
		return nil, invalid("configuration has no [[route]] entries", "file", path)
	}
	return &f, nil
}

// Interval parses StatsInterval; empty disables periodic stats.
func (f *File) Interval() (time.Duration, error) {
	if f.StatsInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.StatsInterval)
	if err != nil || d < 0 {
		return 0, invalid("bad stats_interval", "stats_interval", f.StatsInterval)
	}
	return d, nil
}

// ProxyConfig validates the route.
func (r Route) ProxyConfig() (ProxyConfig, error) {
	poll, err := parseDuration("poll_timeout", r.PollTimeout)
	if err != nil {
		return ProxyConfig{}, err
	}
	idle, err := parseDuration("idle_wait", r.IdleWait)
	if err != nil {
		return ProxyConfig{}, err
	}
	return NewProxyConfig(Settings{
		LocalPort:   r.LocalPort,
		RemoteHost:  r.RemoteHost,
		RemotePort:  r.RemotePort,
		BindHost:    r.BindHost,
		BufferSize:  r.BufferSize,
		PollTimeout: poll,
		IdleWait:    idle,
		MaxEvents:   r.MaxEvents,
	})
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalid("bad duration", key, s)
	}
	return d, nil
}

// ParseRoute builds a Route from a local port and a remote "host:port",
// the form accepted on the command line.
func ParseRoute(localPort, remote string) (Route, error) {
	lp, err := strconv.ParseUint(localPort, 10, 16)
	if err != nil {
		return Route{}, invalid("bad local port", "local", localPort)
	}
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		return Route{}, invalid("remote must be host:port", "remote", remote)
	}
	rp, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Route{}, invalid("bad remote port", "remote", remote)
	}
	return Route{LocalPort: uint16(lp), RemoteHost: host, RemotePort: uint16(rp)}, nil
}
