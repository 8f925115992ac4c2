package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/markus-barta/harmonyfast/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Entry is a named hub object.
type Entry struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Device is a controllable device. Commands, when listed, restricts the
// actions that resolve for it.
type Device struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// Catalog maps user-facing aliases to hub ids.
type Catalog struct {
	Activities  map[string]Entry     `yaml:"activities" json:"activities"`
	Devices     map[string]Device    `yaml:"devices" json:"devices"`
	Audio       map[string]string    `yaml:"audio" json:"audio"`
	AudioDevice string               `yaml:"audio_device" json:"audio_device"`
	Events      []protocol.EventRule `yaml:"events" json:"events"`
}

const defaultAudioDevice = "onkyo"

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog decodes YAML and normalizes aliases to lower case.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw Catalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	cat := &Catalog{
		Activities:  make(map[string]Entry, len(raw.Activities)),
		Devices:     make(map[string]Device, len(raw.Devices)),
		Audio:       make(map[string]string, len(raw.Audio)),
		AudioDevice: strings.ToLower(raw.AudioDevice),
		Events:      raw.Events,
	}
	for alias, e := range raw.Activities {
		if e.ID == "" {
			return nil, fmt.Errorf("activity %q has no id", alias)
		}
		if e.Name == "" {
			e.Name = alias
		}
		key := strings.ToLower(alias)
		if _, dup := cat.Activities[key]; dup {
			return nil, fmt.Errorf("activity alias %q defined more than once", key)
		}
		cat.Activities[key] = e
	}
	for alias, d := range raw.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device %q has no id", alias)
		}
		if d.Name == "" {
			d.Name = alias
		}
		key := strings.ToLower(alias)
		if _, dup := cat.Devices[key]; dup {
			return nil, fmt.Errorf("device alias %q defined more than once", key)
		}
		cat.Devices[key] = d
	}
	for alias, cmd := range raw.Audio {
		key := strings.ToLower(alias)
		if _, dup := cat.Audio[key]; dup {
			return nil, fmt.Errorf("audio alias %q defined more than once", key)
		}
		cat.Audio[key] = cmd
	}
	if cat.AudioDevice == "" {
		cat.AudioDevice = defaultAudioDevice
	}
	for i, r := range cat.Events {
		switch r.Kind {
		case "":
			// Matched but unclassified, as the codec treats it.
			cat.Events[i].Kind = protocol.EventUnknown
		case protocol.EventActivityChanged, protocol.EventDeviceStateChanged, protocol.EventUnknown:
		default:
			return nil, fmt.Errorf("event rule %q: unknown kind %q", r.Match, r.Kind)
		}
	}
	return cat, nil
}

// Resolve turns a (command, action) pair into a hub command. Aliases are
// case-insensitive. Lookup order: audio alias, device with action, activity,
// audio-on/audio-off, status.
func (c *Catalog) Resolve(command, action string) (protocol.Command, error) {
	name := strings.ToLower(strings.TrimSpace(command))
	action = strings.TrimSpace(action)

	audio, hasAudio := c.Devices[c.AudioDevice]

	if hubCmd, ok := c.Audio[name]; ok && hasAudio {
		return protocol.NewDevice(audio.ID, hubCmd, name), nil
	}

	if dev, ok := c.Devices[name]; ok && action != "" {
		resolved, err := dev.action(action)
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.NewDevice(dev.ID, resolved, name), nil
	}

	if act, ok := c.Activities[name]; ok {
		return protocol.NewActivity(act.ID, name), nil
	}

	if hasAudio {
		switch name {
		case "audio-on":
			return protocol.NewDevice(audio.ID, "PowerOn", name), nil
		case "audio-off":
			return protocol.NewDevice(audio.ID, "PowerOff", name), nil
		}
	}

	if name == "status" {
		return protocol.NewStatus(), nil
	}

	if _, ok := c.Devices[name]; ok {
		return protocol.Command{}, fmt.Errorf("%w: device %q needs an action", protocol.ErrUnknownCommand, name)
	}
	return protocol.Command{}, fmt.Errorf("%w: %q", protocol.ErrUnknownCommand, command)
}

// action returns the canonical spelling of a device command.
func (d Device) action(action string) (string, error) {
	if len(d.Commands) == 0 {
		return action, nil
	}
	for _, c := range d.Commands {
		if strings.EqualFold(c, action) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: device %s has no command %q", protocol.ErrUnknownCommand, d.Name, action)
}

// ActivityName returns the alias of an activity id.
func (c *Catalog) ActivityName(id string) (string, bool) {
	for _, alias := range c.ActivityAliases() {
		if c.Activities[alias].ID == id {
			return alias, true
		}
	}
	return "", false
}

// DescribeActivity renders an activity id for humans: OFF for all-off, the
// alias when known, otherwise the raw id.
func (c *Catalog) DescribeActivity(id string) string {
	if id == protocol.AllOff {
		return "OFF"
	}
	if name, ok := c.ActivityName(id); ok {
		return name
	}
	return id
}

// ActivityAliases returns the activity aliases in sorted order.
func (c *Catalog) ActivityAliases() []string {
	return sortedKeys(c.Activities)
}

// DeviceAliases returns the device aliases in sorted order.
func (c *Catalog) DeviceAliases() []string {
	return sortedKeys(c.Devices)
}

// AudioAliases returns the audio aliases in sorted order.
func (c *Catalog) AudioAliases() []string {
	return sortedKeys(c.Audio)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
