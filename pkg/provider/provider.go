// Package provider defines the capability contracts for external financial
// collaborators: treasury banking (financial accounts, external bank
// accounts, ACH origination), fiat on/offramps, and KYC and sanctions
// screening. The platform links no vendor SDK directly; concrete
// integrations implement these interfaces, and the in-memory fakes back
// development and tests.
package provider

// Kind classifies a provider by the capability surface it implements.
type Kind string

const (
	KindTreasury  Kind = "treasury"
	KindRamp      Kind = "ramp"
	KindKYC       Kind = "kyc"
	KindSanctions Kind = "sanctions"
)

// Metadata describes one provider implementation. Name doubles as the
// webhook secret-derivation label, so it must be stable across deploys.
type Metadata struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}
