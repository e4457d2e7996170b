// Package quicdump implements the quicdump debug tool: a scripted trace
// replayer for exercising a CryptoStream outside of a full connection.
package quicdump

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Trace is the top-level YAML document a quicdump script parses into.
type Trace struct {
	Role         string `yaml:"role"`
	HandshakeCID string `yaml:"handshake_cid"`
	Operations   []Op   `yaml:"operations"`
}

// Op is one scripted step: write, ack, loss, discard, recv, or confirm. Exactly the
// fields relevant to Kind are populated; the rest are zero.
type Op struct {
	Kind   string `yaml:"op"`
	Level  string `yaml:"level"`
	Data   string `yaml:"data"` // hex-encoded
	Offset int64  `yaml:"offset"`
	Length int64  `yaml:"length"`
	Start  int64  `yaml:"start"`
	End    int64  `yaml:"end"`
}

// LoadTrace reads and parses a trace script from path.
func LoadTrace(path string) (*Trace, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("quicdump: reading trace %q: %w", path, err)
	}
	var tr Trace
	if err := yaml.Unmarshal(b, &tr); err != nil {
		return nil, fmt.Errorf("quicdump: parsing trace %q: %w", path, err)
	}
	return &tr, nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
