// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// SweepPolicySchema is the embedded sweep-policy JSON schema.
//
// This allows policy validation to work in installed binaries and library
// consumers without requiring the schema files to be present on disk.
//
//go:embed sweep-policy.schema.json
var SweepPolicySchema []byte
