package domain

import "errors"

// Failure classes shared across the orchestrator. Per-peer and
// per-producer/consumer failures are isolated to the affected link;
// transport-level and device-access failures escalate to the session
// controller.
var (
	ErrRoomCreation     = errors.New("room creation failed")
	ErrRoomNotFound     = errors.New("room not found")
	ErrTransportCreate  = errors.New("relay transport creation failed")
	ErrTransportConnect = errors.New("relay transport connect failed")
	ErrProduce          = errors.New("producer registration failed")
	ErrConsume          = errors.New("consumer creation failed")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrDeviceAccess     = errors.New("capture device unavailable")
)
