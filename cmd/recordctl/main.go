// Command recordctl is the operator CLI for the commitment registry:
// fingerprinting files, driving commitments through their lifecycle, and
// verifying exported attestation bundles offline.
package main

import (
	"os"

	"github.com/chiahaoLLLLL/Blockchain-record-system/cmd/recordctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
