package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// JurisdictionProfile captures the payment policy for one jurisdiction.
// Profiles live as profile_<code>.yaml files and are selected by the
// Jurisdiction setting.
type JurisdictionProfile struct {
	Name          string          `yaml:"name" json:"name"`
	Code          string          `yaml:"code" json:"code"`
	DataResidency string          `yaml:"data_residency" json:"data_residency"`
	Compliance    []string        `yaml:"compliance" json:"compliance"`
	Retention     RetentionPolicy `yaml:"retention" json:"retention"`
	Payments      PaymentPolicy   `yaml:"payments" json:"payments"`
}

// RetentionPolicy defines how long records are kept in this jurisdiction.
type RetentionPolicy struct {
	AuditLogDays   int  `yaml:"audit_log_days" json:"audit_log_days"`
	PIIDays        int  `yaml:"pii_days,omitempty" json:"pii_days,omitempty"`
	RightToErasure bool `yaml:"right_to_erasure,omitempty" json:"right_to_erasure,omitempty"`
}

// PaymentPolicy restricts payment rails and sizes per jurisdiction.
// An empty method or chain list permits all.
type PaymentPolicy struct {
	AllowedMethods  []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"` // STABLECOIN | VIRTUAL_CARD | X402 | BANK_TRANSFER
	AllowedChains   []string `yaml:"allowed_chains,omitempty" json:"allowed_chains,omitempty"`
	MaxPaymentMinor int64    `yaml:"max_payment_minor,omitempty" json:"max_payment_minor,omitempty"`
	BlockSanctioned bool     `yaml:"block_sanctioned" json:"block_sanctioned"`
}

// LoadProfile loads one jurisdiction profile by code. It reads
// profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*JurisdictionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile JurisdictionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory,
// keyed by jurisdiction code.
func LoadAllProfiles(profilesDir string) (map[string]*JurisdictionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*JurisdictionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile JurisdictionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Code falls back to the filename: profile_eu.yaml -> eu.
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// AllowsMethod reports whether the jurisdiction permits the payment method.
func (p *JurisdictionProfile) AllowsMethod(method string) bool {
	if len(p.Payments.AllowedMethods) == 0 {
		return true
	}
	for _, m := range p.Payments.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// AllowsChain reports whether the jurisdiction permits settlement on chain.
func (p *JurisdictionProfile) AllowsChain(chain string) bool {
	if len(p.Payments.AllowedChains) == 0 {
		return true
	}
	for _, c := range p.Payments.AllowedChains {
		if strings.EqualFold(c, chain) {
			return true
		}
	}
	return false
}
