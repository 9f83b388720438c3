// Package core holds small, dependency-free building blocks shared by the
// mixer's components: service descriptors, tracing, retry policy, and
// pagination helpers.
package core

// Layer describes the architectural slice a component belongs to.
type Layer string

const (
	LayerIngress  Layer = "ingress"
	LayerAdapter  Layer = "adapter"
	LayerEngine   Layer = "engine"
	LayerData     Layer = "data"
	LayerSecurity Layer = "security"
)

// Descriptor advertises a component's placement and capabilities. It does
// not change runtime behavior; it lets the system manager and ops surface
// report on wired components consistently.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
