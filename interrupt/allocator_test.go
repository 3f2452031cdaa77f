package interrupt_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/msikvm/interrupt"
)

func TestAllocateGSI(t *testing.T) {
	t.Parallel()

	a := interrupt.NewAllocator(24, 4, 25)

	expected := []uint32{24, 26, 27}
	for _, want := range expected {
		gsi, err := a.AllocateGSI()
		if err != nil {
			t.Fatal(err)
		}

		if gsi != want {
			t.Fatalf("expected: %v, actual: %v", want, gsi)
		}
	}

	if _, err := a.AllocateGSI(); !errors.Is(err, interrupt.ErrNoGSIAvailable) {
		t.Fatalf("expected: %v, actual: %v", interrupt.ErrNoGSIAvailable, err)
	}

	a.ReleaseGSI(26)

	gsi, err := a.AllocateGSI()
	if err != nil {
		t.Fatal(err)
	}

	if gsi != 26 {
		t.Fatalf("expected: %v, actual: %v", 26, gsi)
	}
}

func TestReleaseUnknownGSI(t *testing.T) {
	t.Parallel()

	a := interrupt.NewAllocator(24, 2)
	a.ReleaseGSI(3)
	a.ReleaseGSI(100)

	if a.Available() != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, a.Available())
	}
}

func TestAllocateRoute(t *testing.T) {
	t.Parallel()

	a := interrupt.NewAllocator(32, 2)

	r, err := a.AllocateRoute()
	if err != nil {
		t.Fatal(err)
	}

	if r.GSI() != 32 {
		t.Fatalf("expected: %v, actual: %v", 32, r.GSI())
	}

	if r.EventFd() < 0 {
		t.Fatalf("invalid eventfd %d", r.EventFd())
	}

	if a.Available() != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, a.Available())
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if a.Available() != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, a.Available())
	}
}

func TestAllocateRouteExhausted(t *testing.T) {
	t.Parallel()

	a := interrupt.NewAllocator(40, 1)

	r, err := a.AllocateRoute()
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()

	if _, err := a.AllocateRoute(); !errors.Is(err, interrupt.ErrNoGSIAvailable) {
		t.Fatalf("expected: %v, actual: %v", interrupt.ErrNoGSIAvailable, err)
	}
}
