package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-replfs/pkg/replfs"
)

type ReplicaCfg struct {
	Port              int               `json:"port"`
	LossPercent       int               `json:"lossPercent"`
	MulticastGroup    string            `json:"multicastGroup"`
	MulticastLoopback bool              `json:"multicastLoopback"`
	ReceiveBufferSize datasize.ByteSize `json:"receiveBufferSize"`
	IdleTimeout       int               `json:"idleTimeout"` // seconds
	APIAddress        string            `json:"apiAddress"`
}

func DefaultReplicaCfg() ReplicaCfg {
	return ReplicaCfg{
		Port:              replfs.DefaultPort,
		MulticastGroup:    replfs.DefaultMulticastGroup,
		ReceiveBufferSize: replfs.DefaultBufferSize * datasize.B,
		IdleTimeout:       24 * 60,
		APIAddress:        "localhost:8081",
	}
}

func (cfg *ReplicaCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("multicastGroup", cfg.MulticastGroup)
	v.CheckStringNotEmpty("apiAddress", cfg.APIAddress)
}

// ApplyOptions overrides configuration values with the values of command
// line options. Empty values are ignored.
func (cfg *ReplicaCfg) ApplyOptions(port, lossPercent string) error {
	if port != "" {
		i, err := strconv.ParseInt(port, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid port %q", port)
		}

		cfg.Port = int(i)
	}

	if lossPercent != "" {
		i, err := strconv.ParseInt(lossPercent, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid loss percentage %q", lossPercent)
		}

		cfg.LossPercent = int(i)
	}

	return nil
}

func (cfg *ReplicaCfg) Check() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}

	if cfg.LossPercent < 0 || cfg.LossPercent > 100 {
		return fmt.Errorf("invalid loss percentage %d", cfg.LossPercent)
	}

	minBufferSize := datasize.ByteSize(replfs.MaxMsgSize)
	if cfg.ReceiveBufferSize < minBufferSize {
		return fmt.Errorf("receive buffer size %s too small (minimum %s)",
			cfg.ReceiveBufferSize.HumanReadable(), minBufferSize.HumanReadable())
	}

	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("invalid idle timeout %d", cfg.IdleTimeout)
	}

	return nil
}

func (cfg *ReplicaCfg) ServerCfg(mountDirectory string, logger replfs.Logger) replfs.ServerCfg {
	return replfs.ServerCfg{
		MountDirectory: mountDirectory,

		Logger: logger,

		Port:              cfg.Port,
		MulticastGroup:    cfg.MulticastGroup,
		MulticastLoopback: cfg.MulticastLoopback,

		LossPercent: cfg.LossPercent,
		BufferSize:  int(cfg.ReceiveBufferSize.Bytes()),

		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
	}
}
