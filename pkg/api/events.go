package api

// Event is a topology or lifecycle notification delivered to a node.
type Event interface {
	EventName() string
}

type NodeConnected struct {
	ID string
}

type NodeDisconnected struct {
	ID string
}

// ServiceTopologyChanged is sent when the set of nodes hosting Service changed.
type ServiceTopologyChanged struct {
	Service string
}

func (NodeConnected) EventName() string          { return "node.connected" }
func (NodeDisconnected) EventName() string       { return "node.disconnected" }
func (ServiceTopologyChanged) EventName() string { return "services.changed" }
