package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/msikvm/kvm"
)

// Result is the answer of KVM_CHECK_EXTENSION for one capability.
type Result struct {
	Cap   kvm.Capability
	Value uintptr
}

// Available reports whether the capability is present.
func (r Result) Available() bool {
	return r.Value != 0
}

// Capabilities checks the extensions MSI routing needs plus a few that tell
// how the routing table can be used.
func Capabilities(kvmFd uintptr) ([]Result, error) {
	caps := append(kvm.MSIRoutingCapabilities(),
		kvm.CapIRQInjectStatus,
		kvm.CapIRQFDResample,
		kvm.CapIOEventFD,
		kvm.CapMSIDevID,
		kvm.CapSplitIRQChip,
		kvm.CapX2APICAPI,
	)

	results := make([]Result, 0, len(caps))

	for _, c := range caps {
		res, err := kvm.CheckExtension(kvmFd, c)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", c, err)
		}

		results = append(results, Result{Cap: c, Value: res})
	}

	return results, nil
}

// Print writes one line per result. CapIRQRouting reports the number of
// routing table entries rather than a flag.
func Print(w io.Writer, results []Result) {
	for _, r := range results {
		if r.Cap == kvm.CapIRQRouting && r.Available() {
			fmt.Fprintf(w, "%-30s: %t (%d routes)\n", r.Cap, true, r.Value)

			continue
		}

		fmt.Fprintf(w, "%-30s: %t\n", r.Cap, r.Available())
	}
}

// KVMCapabilities probes dev and prints the result to stdout.
func KVMCapabilities(dev string) error {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	results, err := Capabilities(kvmFile.Fd())
	if err != nil {
		return err
	}

	Print(os.Stdout, results)

	return nil
}
