// Package devicetrust defines the shared vocabulary of the device-trust
// engine: user identities, derived trust states, remote enrollment status,
// and the outcome taxonomy every trust transition reports.
//
// The package holds no behavior beyond normalization and derivation helpers.
// The state machine itself lives in the engine subpackage; collaborator
// boundaries live in ceremony, mfa, token, and storage.
package devicetrust
