// Package dbsim is a reference host for the replication engine: a toy
// row store plus the wsrep.ClientService/HighPriorityService/
// StorageService/ServerService implementations needed to drive scripted
// transactions through it end to end, the Go analogue of wsrep-lib's
// dbsim benchmark harness.
package dbsim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params is a scenario configuration: how many servers and clients to
// simulate, how much work each client drives through its sessions, and
// how the chaos/instrumentation knobs are set (db_params.hpp).
type Params struct {
	NServers       int    `yaml:"servers"`
	NClients       int    `yaml:"clients"`
	NTransactions  int    `yaml:"transactions"`
	NRows          int    `yaml:"rows"`
	MaxDataSize    int    `yaml:"maxDataSize"`
	RandomDataSize bool   `yaml:"randomDataSize"`
	AlgFreq        int    `yaml:"bfAbortFrequency"`
	SyncWait       bool   `yaml:"syncWait"`
	Topology       string `yaml:"topology"`
	DataDir        string `yaml:"dataDir"`
	DebugLogLevel  int    `yaml:"debugLogLevel"`
	FastExit       bool   `yaml:"fastExit"`
	CondChecks     bool   `yaml:"condChecks"`
}

// DefaultParams mirrors db::params' in-class field initializers, with
// n_rows=1000 and max_data_size=8 the only non-zero numeric defaults,
// plus a DataDir of "./dbsim-data".
func DefaultParams() Params {
	return Params{
		NRows:       1000,
		MaxDataSize: 8,
		DataDir:     "./dbsim-data",
	}
}

// Manifest is the YAML document shape a dbsim scenario file is written
// in, following the teacher's apiVersion/kind/metadata/spec envelope
// (cmd/warren/apply.go's WarrenResource).
type Manifest struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   map[string]interface{} `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

// LoadParams reads a scenario manifest from path and applies its spec
// fields on top of DefaultParams.
func LoadParams(path string) (Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("dbsim: read scenario file: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return Params{}, fmt.Errorf("dbsim: parse scenario file: %w", err)
	}
	if manifest.Kind != "" && manifest.Kind != "Scenario" {
		return Params{}, fmt.Errorf("dbsim: unsupported manifest kind %q", manifest.Kind)
	}

	p := DefaultParams()
	p.applySpec(manifest.Spec)
	return p, nil
}

func (p *Params) applySpec(spec map[string]interface{}) {
	if v, ok := getInt(spec, "servers"); ok {
		p.NServers = v
	}
	if v, ok := getInt(spec, "clients"); ok {
		p.NClients = v
	}
	if v, ok := getInt(spec, "transactions"); ok {
		p.NTransactions = v
	}
	if v, ok := getInt(spec, "rows"); ok {
		p.NRows = v
	}
	if v, ok := getInt(spec, "maxDataSize"); ok {
		p.MaxDataSize = v
	}
	if v, ok := getBool(spec, "randomDataSize"); ok {
		p.RandomDataSize = v
	}
	if v, ok := getInt(spec, "bfAbortFrequency"); ok {
		p.AlgFreq = v
	}
	if v, ok := getBool(spec, "syncWait"); ok {
		p.SyncWait = v
	}
	if v, ok := getString(spec, "topology"); ok {
		p.Topology = v
	}
	if v, ok := getString(spec, "dataDir"); ok {
		p.DataDir = v
	}
	if v, ok := getInt(spec, "debugLogLevel"); ok {
		p.DebugLogLevel = v
	}
	if v, ok := getBool(spec, "fastExit"); ok {
		p.FastExit = v
	}
	if v, ok := getBool(spec, "condChecks"); ok {
		p.CondChecks = v
	}
}

func getString(spec map[string]interface{}, key string) (string, bool) {
	v, ok := spec[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getInt(spec map[string]interface{}, key string) (int, bool) {
	v, ok := spec[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func getBool(spec map[string]interface{}, key string) (bool, bool) {
	v, ok := spec[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
