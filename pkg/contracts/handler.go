package contracts

import "github.com/julienschmidt/httprouter"

type Handler interface {
	RegisterRoutes(*httprouter.Router)
}

type Route struct {
	Method string
	Path   string
}

// Replayable is implemented by handlers with routes that may be answered from
// the request-replay store when a client retries with the same
// Idempotency-Key header.
type Replayable interface {
	ReplayableRoutes() []Route
}
