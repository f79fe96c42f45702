// Package schemasassets embeds the JSON schemas for the transition graph and
// restart config documents, so workers and the reconciler validate them
// identically wherever the binary runs.
package schemasassets

import _ "embed"

// StateTransitionsSchema validates the transition graph document.
//
//go:embed state-transitions.schema.json
var StateTransitionsSchema []byte

// RestartConfigSchema validates restart_config.json as written at submission time.
//
//go:embed restart-config.schema.json
var RestartConfigSchema []byte
