package domain

// Consumer is a worker's suspended long-poll connection waiting to be handed
// a task batch. It decouples the matching engine from the HTTP transport.
type Consumer interface {
	// IsOpen is a best-effort liveness check.
	IsOpen() bool

	// Send hands a batch to the waiting worker. It must not block; an error
	// means the connection is dead and the batch was not handed over.
	Send(tasks []Task) error

	// OnClose registers a callback run by the transport when the connection
	// goes away without having received a batch.
	OnClose(fn func())
}

// Responder is the suspended connection of a producer waiting for the result
// of a priority task.
type Responder interface {
	// Respond completes the producer's connection with a worker's result.
	Respond(result []byte) error
}
