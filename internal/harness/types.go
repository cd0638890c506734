package harness

import (
	"github.com/roach88/vdbtest/internal/binding"
)

// ProvisionOutcome describes what provisioning did for an identifier.
type ProvisionOutcome string

const (
	// ProvisionPending means no connection has been built yet.
	ProvisionPending ProvisionOutcome = "pending"

	// ProvisionReady means the bindings are installed and started.
	ProvisionReady ProvisionOutcome = "ready"

	// ProvisionDisabled means the configuration turned provisioning off.
	ProvisionDisabled ProvisionOutcome = "disabled"

	// ProvisionNoAdmin means the data source has no admin endpoint.
	ProvisionNoAdmin ProvisionOutcome = "no_admin"
)

// Status is the harness view of one identifier.
type Status struct {
	Identifier string `json:"identifier"`
	Strategy   string `json:"strategy"`
	UseProxy   bool   `json:"use_proxy"`

	// Connected reports a cached plain connection.
	Connected bool `json:"connected"`

	// XAConnected reports a cached XA connection.
	XAConnected bool `json:"xa_connected"`

	Provisioning ProvisionOutcome `json:"provisioning"`

	// Report is the last successful provisioning run, if any.
	Report *binding.Report `json:"report,omitempty"`
}
