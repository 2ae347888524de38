package replica

// Origin tags where a mutation came from. It never changes how the mutation
// merges; it decides what happens downstream.
type Origin int

const (
	OriginLocalClient Origin = iota + 1
	OriginRemoteFanOut
	OriginPersistenceLoad
	OriginVersionRestore
)

func (o Origin) String() string {
	switch o {
	case OriginLocalClient:
		return "local"
	case OriginRemoteFanOut:
		return "remote"
	case OriginPersistenceLoad:
		return "persistence"
	case OriginVersionRestore:
		return "restore"
	default:
		return "unknown"
	}
}

// Effects lists the downstream actions a mutation requires.
type Effects struct {
	// Broadcast sends the mutation to local connections.
	Broadcast bool
	// ExcludeSender skips the connection the mutation arrived on.
	ExcludeSender bool
	// Publish forwards the mutation to sibling processes.
	Publish bool
	// Save arms the debounced persistence of the document.
	Save bool
}

// EffectsOf returns the effects of a document update with the given origin.
//
// Only the originating process publishes, so a remote update is never sent
// back to the broker. Loading from storage has no effects at all.
func EffectsOf(o Origin) Effects {
	switch o {
	case OriginLocalClient:
		return Effects{Broadcast: true, ExcludeSender: true, Publish: true, Save: true}
	case OriginRemoteFanOut:
		return Effects{Broadcast: true, Save: true}
	case OriginVersionRestore:
		return Effects{Broadcast: true, Publish: true, Save: true}
	default:
		return Effects{}
	}
}

// AwarenessEffectsOf returns the effects of a presence change with the given
// origin. Presence is echoed to every local connection, the sender included,
// and is never saved.
func AwarenessEffectsOf(o Origin) Effects {
	switch o {
	case OriginLocalClient:
		return Effects{Broadcast: true, Publish: true}
	case OriginRemoteFanOut:
		return Effects{Broadcast: true}
	default:
		return Effects{}
	}
}

// Result is the outcome of applying an update.
type Result struct {
	Origin Origin
	// Delta is the novel part of the update, nil when nothing changed.
	Delta   []byte
	Effects Effects
}

// Changed reports whether the update added anything to the replica.
func (r Result) Changed() bool { return len(r.Delta) > 0 }
