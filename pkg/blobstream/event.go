package blobstream

// EventKind tags the outcome carried by an Event.
type EventKind int

const (
	// EventRecord carries one completed blob.
	EventRecord EventKind = iota + 1
	// EventEnd marks the logical end of the input.
	EventEnd
	// EventError carries the error that halted the stream.
	EventError
	// EventComplete follows End or Error once the source has been released.
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventRecord:
		return "record"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	case EventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is one outcome of a stream. Record is set for EventRecord, Err for EventError.
type Event struct {
	Kind   EventKind
	Record Record
	Err    error
}

// Handlers receives the outcomes of Run. Nil callbacks are skipped.
type Handlers struct {
	OnRecord   func(Record)
	OnEnd      func()
	OnError    func(error)
	OnComplete func()
}

func (h Handlers) dispatch(ev Event) bool {
	switch ev.Kind {
	case EventRecord:
		if h.OnRecord != nil {
			h.OnRecord(ev.Record)
		}
	case EventEnd:
		if h.OnEnd != nil {
			h.OnEnd()
		}
	case EventError:
		if h.OnError != nil {
			h.OnError(ev.Err)
		}
	case EventComplete:
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}
	return true
}
