package netstack

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-shaped tunables file cmd/tcpstackd loads: plain
// struct tags, defaults applied for anything left zero rather than a
// separate "is this set" layer, since none of these fields has a meaningful
// zero value a caller would intentionally choose.
type FileConfig struct {
	SndBufferSize        int    `yaml:"snd_buffer_size"`
	RcvBufferSize        int    `yaml:"rcv_buffer_size"`
	MaxConnectionBacklog int    `yaml:"max_connection_backlog"`
	RTOMinTicks          int32  `yaml:"rto_min_ticks"`
	RTOMaxTicks          int32  `yaml:"rto_max_ticks"`
	SynInitialRTOTicks   int32  `yaml:"syn_initial_rto_ticks"`
	TCPMSLTicks          int32  `yaml:"tcp_msl_ticks"`
	ClampMinMSS          bool   `yaml:"clamp_min_mss"`
	ListenAddr           string `yaml:"listen_addr"`
}

// LoadConfig reads a YAML tunables file from path and merges it over
// DefaultConfig, leaving any field the file omits (zero value) at its
// default. A missing file is not an error; the defaults simply apply.
func LoadConfig(path string) (Config, string, error) {
	cfg := DefaultConfig()
	listenAddr := "0.0.0.0:30000"
	if path == "" {
		return cfg, listenAddr, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, listenAddr, nil
		}
		return cfg, listenAddr, fmt.Errorf("netstack: read config %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, listenAddr, fmt.Errorf("netstack: parse config %s: %w", path, err)
	}

	if fc.SndBufferSize > 0 {
		cfg.SndBufferSize = fc.SndBufferSize
	}
	if fc.RcvBufferSize > 0 {
		cfg.RcvBufferSize = fc.RcvBufferSize
	}
	if fc.MaxConnectionBacklog > 0 {
		cfg.MaxConnectionBacklog = fc.MaxConnectionBacklog
	}
	if fc.RTOMinTicks > 0 {
		cfg.RTOMin = fc.RTOMinTicks
	}
	if fc.RTOMaxTicks > 0 {
		cfg.RTOMax = fc.RTOMaxTicks
	}
	if fc.SynInitialRTOTicks > 0 {
		cfg.SynInitialRTO = fc.SynInitialRTOTicks
	}
	if fc.TCPMSLTicks > 0 {
		cfg.TCPMSL = fc.TCPMSLTicks
	}
	cfg.ClampMinMSS = fc.ClampMinMSS
	if fc.ListenAddr != "" {
		listenAddr = fc.ListenAddr
	}
	return cfg, listenAddr, nil
}
