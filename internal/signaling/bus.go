package signaling

// Bus is the rendezvous-bus capability the coordinator consumes (spec
// §1's "wire format of the third-party rendezvous bus... specified
// only by the interfaces the core consumes"). A Supabase Realtime
// channel, a Redis pub/sub topic, or an in-memory fake all satisfy
// this shape.
type Bus interface {
	Channel(name string) BusChannel
}

// BusChannel is one named channel on the bus.
type BusChannel interface {
	On(event string, fn func(payload []byte))
	Send(event string, payload []byte) error
	Subscribe() error
	Unsubscribe() error
}
