// Package system provides the lifecycle interface and orchestration manager
// shared by every long-running mixer component.
package system

import (
	"context"

	"github.com/R3E-Network/mixer/internal/core"
)

// Service represents a lifecycle-managed component. Every engine, pool
// manager, scheduler, and recovery manager implements this so the manager
// can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises component metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
