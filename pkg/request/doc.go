// Package request layers numbered request handles over the protocol
// engine.
//
// A Client owns a small table of logical requests, each with its own
// reply letters, and sends without blocking; ReplyReceive then polls or
// waits for the intermediate or final reply. A Server receives requests
// on its task's request mailbox, dispatches them to handlers by request
// type and routes replies back to the originating mailbox.
//
// The outcome of a request travels in the type tag of the final reply.
// Intermediate replies always carry OutcomeOK.
package request
