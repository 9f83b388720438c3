package engine

// Event is a typed notification the engine emits on its bounded channel —
// the same explicit-channel pattern internal/pool uses instead of an
// implicit global event bus (spec.md §9).
type Event struct {
	Kind   string // "mix:submitted" | "mix:completed" | "mix:failed" | "mix:timeout" | "mix:downgrade"
	MixID  string
	Detail string
}

func (e *Engine) emit(evt Event) {
	select {
	case e.events <- evt:
	default:
		e.log.WithField("kind", evt.Kind).WithField("mix_id", evt.MixID).Warn("engine event channel full, dropping")
	}
}

// Events returns the channel consumers subscribe to for lifecycle
// notifications.
func (e *Engine) Events() <-chan Event { return e.events }
