// ABOUTME: Self-registering adapter factory map with channel type metadata
// ABOUTME: Adapters register themselves in init(); the API lists what is available

package channels

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter for one configured channel
type Factory func(cfg Config, handler InboundHandler) (Adapter, error)

// ConfigField documents one configuration key a channel type accepts
type ConfigField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret"`
}

// Registration describes one channel type
type Registration struct {
	Type        string
	DisplayName string
	Description string
	Fields      []ConfigField
	New         Factory
	Validate    func(cfg Config) error
}

// TypeInfo is registry metadata as exposed over the API. Available is
// false for types that are advertised but have no adapter in this build.
type TypeInfo struct {
	Type        string        `json:"type"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Fields      []ConfigField `json:"config_fields"`
	Available   bool          `json:"available"`
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)

	// advertised lists channel types shown to clients even when no
	// adapter registers for them. The web widget is served by a separate
	// frontend, so the gateway knows of it but cannot run it.
	advertised = []TypeInfo{
		{
			Type:        "web_widget",
			DisplayName: "Web Widget",
			Description: "Embeddable web chat widget",
			Available:   false,
		},
	}
)

// Register adds a channel type. Called from adapter init() functions;
// panics on duplicate registration since that is a programming error.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[reg.Type]; exists {
		panic(fmt.Sprintf("channels: duplicate registration for %q", reg.Type))
	}
	registry[reg.Type] = reg
}

// New builds an adapter for the given channel type.
// The config is validated before the factory runs.
func New(channelType string, cfg Config, handler InboundHandler) (Adapter, error) {
	registryMu.RLock()
	reg, ok := registry[channelType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown channel type %q", channelType)
	}
	if err := ValidateConfig(channelType, cfg); err != nil {
		return nil, err
	}
	return reg.New(cfg, handler)
}

// ValidateConfig checks a channel configuration without building an adapter
func ValidateConfig(channelType string, cfg Config) error {
	registryMu.RLock()
	reg, ok := registry[channelType]
	registryMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel type %q", channelType)
	}
	if reg.Validate == nil {
		return nil
	}
	return reg.Validate(cfg)
}

// ToolCredentials extracts the secret config fields for a channel type.
// Engine-side tool integrations use these to act on the platform the
// conversation came from. Returns nil when the type is unknown or the
// config carries no secrets.
func ToolCredentials(channelType string, cfg Config) map[string]string {
	registryMu.RLock()
	reg, ok := registry[channelType]
	registryMu.RUnlock()
	if !ok {
		return nil
	}

	creds := make(map[string]string)
	for _, f := range reg.Fields {
		if !f.Secret {
			continue
		}
		if v, ok := cfg[f.Key].(string); ok && v != "" {
			creds[f.Key] = v
		}
	}
	if len(creds) == 0 {
		return nil
	}
	return creds
}

// Supported reports whether an adapter is registered for the type
func Supported(channelType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[channelType]
	return ok
}

// Types returns metadata for all known channel types, registered adapters
// first, sorted by type name
func Types() []TypeInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	infos := make([]TypeInfo, 0, len(registry)+len(advertised))
	for _, reg := range registry {
		infos = append(infos, TypeInfo{
			Type:        reg.Type,
			DisplayName: reg.DisplayName,
			Description: reg.Description,
			Fields:      reg.Fields,
			Available:   true,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })

	infos = append(infos, advertised...)
	return infos
}
