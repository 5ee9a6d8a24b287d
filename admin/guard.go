package admin

import (
	"errors"
	"fmt"
	"os"
)

// TestHarnessActive is the process-wide switch test harnesses flip to unlock
// test-only operations without threading a Guard through every fixture.
var TestHarnessActive bool

// DefaultProductionMarker is the environment variable whose presence marks a
// production deployment.
const DefaultProductionMarker = "SOURCED_PRODUCTION"

// ErrTestOnly is returned when a test-only operation runs outside test mode.
var ErrTestOnly = errors.New("test-only operation refused")

// Guard gates test-only admin operations. The zero value is the production
// configuration: operations are refused whenever the production marker is set
// and neither the explicit flag nor the harness global unlocks them.
type Guard struct {
	// TestMode explicitly unlocks test-only operations.
	TestMode bool
	// ProductionMarker overrides the marker variable name. Defaults to
	// DefaultProductionMarker.
	ProductionMarker string
	// LookupEnv overrides environment lookup, for tests. Defaults to
	// os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// AllowTestOnly reports whether a test-only operation may run. Exactly one of
// three conditions unlocks it: the explicit test-mode flag, the harness
// global, or the absence of the production marker variable.
func (g *Guard) AllowTestOnly() error {
	if g.TestMode || TestHarnessActive {
		return nil
	}
	marker := g.ProductionMarker
	if marker == "" {
		marker = DefaultProductionMarker
	}
	lookup := g.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if _, present := lookup(marker); !present {
		return nil
	}
	return fmt.Errorf("%w: %s is set and no test mode is active", ErrTestOnly, marker)
}
