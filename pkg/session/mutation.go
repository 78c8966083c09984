package session

import "github.com/astromechza/automerge-rooms/pkg/document"

// Origin tells observers which code path produced a mutation. It is set by the caller, never inferred from the
// document.
type Origin int

const (
	// OriginLocal is an edit authored by this replica.
	OriginLocal Origin = iota
	// OriginRemote is a change replayed from another replica over the synchronization channel.
	OriginRemote
	// OriginLoad is state hydrated from storage.
	OriginLoad
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Mutation describes one change to the document. Before and After are only materialised while at least one observer
// is subscribed and are nil if the document could not be read.
type Mutation struct {
	Origin  Origin
	Version uint64
	Before  *document.Tree
	After   *document.Tree
}

// Observer is notified synchronously, in mutation order. Observers must not mutate the session they observe.
type Observer interface {
	Observe(m Mutation)
}

type ObserverFunc func(m Mutation)

func (f ObserverFunc) Observe(m Mutation) {
	f(m)
}
