package transport

import "context"

// Record is a loosely typed inbound event as decoded from the gateway.
//
// The gateway's event schema is not stable across deployments, so records are
// kept opaque and probed with Dig/FirstText instead of being decoded into a
// fixed struct.
type Record map[string]any

// HandlerResult is what an event handler returns to the dispatch chain.
//
// Continue=false asks the host to abandon the whole event; AllowOthers=false
// stops later handlers in the chain from seeing it. A non-nil Rewritten
// replaces the record for downstream handlers.
type HandlerResult struct {
	Continue    bool
	AllowOthers bool
	Status      string
	Result      any
	Rewritten   Record
}

// Pass is the neutral result: keep processing, let other handlers run,
// nothing rewritten.
func Pass() HandlerResult {
	return HandlerResult{Continue: true, AllowOthers: true}
}

// Sender posts a text message into a group through the outbound gateway.
type Sender interface {
	SendGroupMsg(ctx context.Context, groupID int64, text string) error
}
