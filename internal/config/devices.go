package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Device identifies one camera and the folder its ingress writes into.
type Device struct {
	ID  string `yaml:"id"`
	Dir string `yaml:"dir,omitempty"`
}

type devicesFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices resolves the device list in priority order: the YAML devices
// file, the DEVICE_IDS env list, then discovery of subdirectories under the
// images root. Devices without an explicit dir get <root>/<id>.
func (c *Config) LoadDevices() ([]Device, error) {
	devices, err := c.resolveDevices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured and none discovered under %s", c.Devices.Root)
	}
	if len(devices) > MaxDevices {
		return nil, fmt.Errorf("at most %d devices are supported, got %d", MaxDevices, len(devices))
	}
	for i := range devices {
		if devices[i].ID == "" {
			return nil, fmt.Errorf("device %d has no id", i)
		}
		if devices[i].Dir == "" {
			devices[i].Dir = filepath.Join(c.Devices.Root, devices[i].ID)
		}
	}
	return devices, nil
}

func (c *Config) resolveDevices() ([]Device, error) {
	if c.Devices.File != "" {
		data, err := os.ReadFile(c.Devices.File)
		if err != nil {
			return nil, fmt.Errorf("reading devices file: %w", err)
		}
		var f devicesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing devices file: %w", err)
		}
		return f.Devices, nil
	}

	if len(c.Devices.IDs) > 0 {
		devices := make([]Device, 0, len(c.Devices.IDs))
		for _, id := range c.Devices.IDs {
			devices = append(devices, Device{ID: id})
		}
		return devices, nil
	}

	return discoverDevices(c.Devices.Root)
}

// discoverDevices treats every subdirectory of the images root as a device
// folder, sorted by name so worker assignment is stable across restarts.
func discoverDevices(root string) ([]Device, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading images root: %w", err)
	}

	var devices []Device
	for _, e := range entries {
		if e.IsDir() {
			devices = append(devices, Device{ID: e.Name()})
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}
