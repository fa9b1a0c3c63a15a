package config

import _ "embed"

//go:embed example.yaml
var exampleConfig []byte

// ExampleConfig returns the annotated example configuration file
func ExampleConfig() []byte {
	out := make([]byte, len(exampleConfig))
	copy(out, exampleConfig)
	return out
}
