// Package ipc carries the channel protocol across the process boundary.
// Each of the three protocol channels maps to one ZMQ PUSH/PULL socket
// pair, preserving per-channel FIFO ordering; a fourth PUB/SUB pair
// replicates the worker's health-record writes to the controller. Message
// bodies are msgpack.
package ipc

import (
	"fmt"
	"path/filepath"
)

// Endpoints names the four socket addresses for one controller/worker
// pair. Any ZMQ transport works; the defaults use ipc:// on the local
// filesystem since controller and worker always share a host.
type Endpoints struct {
	Request  string `yaml:"request"`
	Response string `yaml:"response"`
	Cancel   string `yaml:"cancel"`
	Health   string `yaml:"health"`
}

// DefaultEndpoints derives per-worker ipc addresses under dir from the
// worker name.
func DefaultEndpoints(dir, workerName string) Endpoints {
	mk := func(kind string) string {
		return "ipc://" + filepath.Join(dir, fmt.Sprintf("%s-%s.ipc", workerName, kind))
	}
	return Endpoints{
		Request:  mk("request"),
		Response: mk("response"),
		Cancel:   mk("cancel"),
		Health:   mk("health"),
	}
}

// Validate rejects empty addresses.
func (e Endpoints) Validate() error {
	for _, pair := range []struct{ name, addr string }{
		{"request", e.Request},
		{"response", e.Response},
		{"cancel", e.Cancel},
		{"health", e.Health},
	} {
		if pair.addr == "" {
			return fmt.Errorf("ipc: %s endpoint is required", pair.name)
		}
	}
	return nil
}
