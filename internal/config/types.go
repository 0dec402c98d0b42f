package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BackendTransport names the wire used to reach the matching engine.
type BackendTransport string

const (
	// TransportWebsocket correlates requests over a single persistent websocket.
	TransportWebsocket BackendTransport = "websocket"
	// TransportNATS correlates requests with NATS request/reply.
	TransportNATS BackendTransport = "nats"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

const defaultWorkers = 8

// WorkerSetting accepts a positive integer, "auto" or "default".
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = WorkerSetting{}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	case "default":
		*s = WorkerSetting{kind: workerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("broadcastWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("broadcastWorkers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// MarshalYAML renders the setting back to its YAML form.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

// Count returns the effective worker count.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultWorkers
	default:
		return defaultWorkers
	}
}
