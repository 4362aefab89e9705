package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/portcullis/internal/brand"
)

// LoadFile reads, decodes, defaults and validates the config at path.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL decodes HCL source. filename is used in diagnostics and must end
// in .hcl.
func LoadHCL(data []byte, filename string) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"defaults": cty.ObjectVal(map[string]cty.Value{
				"state_dir":  cty.StringVal(brand.GetStateDir()),
				"config_dir": cty.StringVal(brand.GetConfigDir()),
			}),
		},
	}
}

// Marshal renders cfg as HCL.
func Marshal(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("firewall_driver", cty.StringVal(cfg.FirewallDriver))
	body.SetAttributeValue("backend_timeout", cty.StringVal(cfg.BackendTimeout))
	body.SetAttributeValue("state_dir", cty.StringVal(cfg.StateDir))
	body.SetAttributeValue("ipv6", cty.BoolVal(cfg.IPv6))
	body.SetAttributeValue("trusted_zone", cty.StringVal(cfg.TrustedZone))
	if cfg.ForwardZone != "" {
		body.SetAttributeValue("forward_zone", cty.StringVal(cfg.ForwardZone))
	}
	body.SetAttributeValue("localhost_policy", cty.StringVal(cfg.LocalhostPolicy))
	body.SetAttributeValue("strict_forward_ports_bypass", cty.StringVal(cfg.StrictForwardPortsBypass))

	if r := cfg.Retry; r != nil {
		body.AppendNewline()
		rb := body.AppendNewBlock("retry", nil).Body()
		rb.SetAttributeValue("max_attempts", cty.NumberIntVal(int64(r.MaxAttempts)))
		rb.SetAttributeValue("initial_delay", cty.StringVal(r.InitialDelay))
		rb.SetAttributeValue("max_delay", cty.StringVal(r.MaxDelay))
		rb.SetAttributeValue("multiplier", cty.NumberFloatVal(r.Multiplier))
	}

	if l := cfg.Log; l != nil {
		body.AppendNewline()
		lb := body.AppendNewBlock("log", nil).Body()
		lb.SetAttributeValue("level", cty.StringVal(l.Level))
		lb.SetAttributeValue("json", cty.BoolVal(l.JSON))
	}

	return hclwrite.Format(f.Bytes())
}
