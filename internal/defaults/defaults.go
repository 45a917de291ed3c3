// Package defaults provides the embedded default configuration file
// for the aircoach init subcommand.
package defaults

import _ "embed"

//go:embed aircoach.example.yaml
var ConfigYAML []byte
