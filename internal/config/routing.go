package config

import (
	"errors"
	"fmt"
	"net/url"
)

// ModelRoutingConfig normalizes Claude-shaped model names from an incoming
// request into the upstream OpenAI-compatible provider/model pair actually
// called. See spec §4.8: "Any Claude-shaped model name is normalized to the
// configured provider model."
type ModelRoutingConfig struct {
	// Providers are the upstream OpenAI-compatible endpoints this broker
	// can call.
	Providers []ProviderEndpoint `yaml:"providers"`

	// Models map an incoming model name (and its aliases) to a provider.
	Models []RoutedModel `yaml:"models"`
}

// Validate checks that providers and models are well formed and that every
// RoutedModel references a known provider.
func (c *ModelRoutingConfig) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("no providers specified in model routing configuration")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		if err := c.Providers[i].Validate(); err != nil {
			return err
		}
		if _, exists := seen[c.Providers[i].Name]; exists {
			return fmt.Errorf("duplicate provider %q in model routing configuration", c.Providers[i].Name)
		}
		seen[c.Providers[i].Name] = struct{}{}
	}

	if len(c.Models) == 0 {
		return errors.New("no models specified in model routing configuration")
	}

	modelNames := make(map[string]struct{}, len(c.Models))
	for i := range c.Models {
		if err := c.Models[i].Validate(); err != nil {
			return err
		}
		if _, exists := seen[c.Models[i].Provider]; !exists {
			return fmt.Errorf("model %q references unknown provider %q", c.Models[i].Name, c.Models[i].Provider)
		}
		if _, exists := modelNames[c.Models[i].Name]; exists {
			return fmt.Errorf("duplicate model %q in model routing configuration", c.Models[i].Name)
		}
		modelNames[c.Models[i].Name] = struct{}{}
	}

	return nil
}

// Resolve returns the provider endpoint and upstream model name for a
// Claude-shaped requested model name, matching either the canonical name or
// one of its aliases.
func (c *ModelRoutingConfig) Resolve(requested string) (provider ProviderEndpoint, upstreamModel string, ok bool) {
	for _, m := range c.Models {
		if m.Name == requested {
			return c.providerByName(m.Provider), m.upstreamModel(), true
		}
		for _, alias := range m.Aliases {
			if alias == requested {
				return c.providerByName(m.Provider), m.upstreamModel(), true
			}
		}
	}
	return ProviderEndpoint{}, "", false
}

func (c *ModelRoutingConfig) providerByName(name string) ProviderEndpoint {
	for _, p := range c.Providers {
		if p.Name == name {
			return p
		}
	}
	return ProviderEndpoint{}
}

// ProviderEndpoint is one upstream OpenAI-compatible provider this broker
// can call.
type ProviderEndpoint struct {
	Name         string `yaml:"name"`
	BaseURL      string `yaml:"base_url"`
	APIKeyEnvVar string `yaml:"api_key_env_var,omitempty"`
}

// Validate checks the provider's name and base URL.
func (p *ProviderEndpoint) Validate() error {
	if p.Name == "" {
		return errors.New("provider name must be specified")
	}
	return validateURLString(p.BaseURL)
}

// RoutedModel maps one Claude-shaped model name (plus aliases) to a
// provider and, optionally, an overriding upstream model name.
type RoutedModel struct {
	Name          string   `yaml:"name"`
	Aliases       []string `yaml:"aliases,omitempty"`
	Provider      string   `yaml:"provider"`
	UpstreamModel string   `yaml:"upstream_model,omitempty"`
	Thinking      bool     `yaml:"thinking,omitempty"`
	DeepSeek      bool     `yaml:"deepseek_chat_template,omitempty"`
}

// Validate checks required fields.
func (m *RoutedModel) Validate() error {
	if m.Name == "" {
		return errors.New("model name must be specified")
	}
	if m.Provider == "" {
		return errors.New("model must reference a provider")
	}
	return nil
}

func (m *RoutedModel) upstreamModel() string {
	if m.UpstreamModel != "" {
		return m.UpstreamModel
	}
	return m.Name
}

func validateURLString(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}
	return nil
}
