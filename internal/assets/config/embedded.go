// Package configassets embeds the canonical runtime configuration documents.
package configassets

import _ "embed"

// StateTransitions is the canonical transition graph used when no
// transitions file is configured.
//
//go:embed state_transitions.json
var StateTransitions []byte
