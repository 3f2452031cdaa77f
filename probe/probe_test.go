package probe_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/bobuhiro11/msikvm/kvm"
	"github.com/bobuhiro11/msikvm/probe"
)

func TestPrint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	probe.Print(&buf, []probe.Result{
		{Cap: kvm.CapIRQRouting, Value: 4096},
		{Cap: kvm.CapMSIDevID, Value: 0},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, len(lines))
	}

	if !strings.HasPrefix(lines[0], "CapIRQRouting") || !strings.HasSuffix(lines[0], "true (4096 routes)") {
		t.Fatalf("unexpected line %q", lines[0])
	}

	if !strings.HasSuffix(lines[1], ": false") {
		t.Fatalf("unexpected line %q", lines[1])
	}
}

func TestKVMCapabilities(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test since /dev/kvm is not available")
	}

	f, err := os.Open("/dev/kvm")
	if err != nil {
		t.Skipf("Skipping test since /dev/kvm cannot be opened: %v", err)
	}
	defer f.Close()

	results, err := probe.Capabilities(f.Fd())
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range results[:len(kvm.MSIRoutingCapabilities())] {
		if !r.Available() {
			t.Errorf("%s is not available", r.Cap)
		}
	}
}

func TestKVMCapabilitiesMissingDevice(t *testing.T) {
	t.Parallel()

	if err := probe.KVMCapabilities("/nonexistent/kvm"); err == nil {
		t.Fatal("expected an error for a missing device")
	}
}
