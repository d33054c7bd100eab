// Package config loads and validates the daemon's slot configuration,
// read once at startup.
package config

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/openbmc-project/virtual-media/core/mountpoint"
	"github.com/openbmc-project/virtual-media/core/nbd"
)

// Config is the top-level configuration document: a named set of
// independent slots (spec.md §6, "Configuration file").
type Config struct {
	MountPoints map[string]MountPoint `toml:"mount_points"`
}

// MountPoint is one slot's on-disk configuration, validated and
// translated into a mountpoint.Config before use.
type MountPoint struct {
	Mode       string `toml:"mode"`
	NBDDevice  string `toml:"nbd_device"`
	UnixSocket string `toml:"unix_socket"`
	EndpointID string `toml:"endpoint_id"`
	BlockSize  int    `toml:"block_size"`
	Timeout    int    `toml:"timeout"`
}

// Load parses the TOML document in data, validates every slot, and returns the
// parsed document unchanged if valid. A malformed document or a slot
// that fails validation returns a non-nil error; the caller (main.go)
// exits non-zero without requesting the D-Bus name (spec.md §6).
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if len(cfg.MountPoints) == 0 {
		return nil, errors.New("config: no mount_points configured")
	}
	for name, mp := range cfg.MountPoints {
		if err := mp.validate(); err != nil {
			return nil, errors.Wrapf(err, "config: mount point %q", name)
		}
	}
	return &cfg, nil
}

func (mp MountPoint) validate() error {
	switch mp.Mode {
	case "Proxy", "Legacy":
	default:
		return fmt.Errorf(`mode must be "Proxy" or "Legacy", got %q`, mp.Mode)
	}
	if _, err := nbd.Parse(mp.NBDDevice); err != nil {
		return err
	}
	if mp.UnixSocket == "" {
		return errors.New("unix_socket must not be empty")
	}
	if mp.EndpointID == "" {
		return errors.New("endpoint_id must not be empty")
	}
	if mp.BlockSize < 0 {
		return errors.New("block_size must not be negative")
	}
	if mp.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// ToMountpointConfig translates a validated MountPoint into the type
// core/mountpoint.Machine is built from.
func (mp MountPoint) ToMountpointConfig(name string) mountpoint.Config {
	dev, _ := nbd.Parse(mp.NBDDevice) // already validated by Load

	mode := mountpoint.ModeProxy
	if mp.Mode == "Legacy" {
		mode = mountpoint.ModeLegacy
	}

	return mountpoint.Config{
		Name:       name,
		Mode:       mode,
		Device:     dev,
		UnixSocket: mp.UnixSocket,
		EndpointID: mp.EndpointID,
		BlockSize:  mp.BlockSize,
		Timeout:    mp.Timeout,
	}
}
