// Command quicdump drives a CryptoStream through a scripted YAML trace
// and prints the resulting state after each operation.
//
// It exists purely as debug/interop tooling for exercising the core
// outside of a full connection; it is not part of the module's public
// library surface.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distribution/quictransport/internal/quicdump"
	"github.com/distribution/quictransport/quic"
)

var (
	side         string
	handshakeHex string
	verbose      bool
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// RootCmd is the main command for the quicdump binary.
var RootCmd = &cobra.Command{
	Use:   "quicdump <trace.yaml>",
	Short: "replay a scripted CryptoStream trace",
	Long:  "quicdump replays a YAML-scripted sequence of write/ack/loss/discard/recv/confirm operations against a CryptoStream and logs the resulting state after each one.",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	RootCmd.Flags().StringVar(&side, "side", "client", "role to replay as: client or server")
	RootCmd.Flags().StringVar(&handshakeHex, "handshake-cid", "00", "hex-encoded handshake connection id")
	RootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	tr, err := quicdump.LoadTrace(args[0])
	if err != nil {
		return err
	}

	role, err := parseSide(side)
	if err != nil {
		return err
	}

	cid, err := decodeHandshakeCID(handshakeHex)
	if err != nil {
		return fmt.Errorf("quicdump: --handshake-cid: %w", err)
	}

	rep, err := quicdump.NewReplayer(log, role, cid)
	if err != nil {
		return fmt.Errorf("quicdump: %w", err)
	}
	return rep.Run(tr)
}

func parseSide(s string) (quic.Side, error) {
	switch s {
	case "client":
		return quic.ClientSide, nil
	case "server":
		return quic.ServerSide, nil
	default:
		return 0, fmt.Errorf("quicdump: --side must be client or server, got %q", s)
	}
}

func decodeHandshakeCID(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
