// Package dispatch turns PublishMessage frames into PushEvents and invokes
// the registered callbacks.
//
// For every PublishMessage the engine decompresses and decodes the document,
// calls each callback in registration order for each event, and then sends
// exactly one PublishMessageReceived acknowledgement carrying the frame's
// data block id. The acknowledgement is sent whether callbacks fail or
// panic, and also when the document cannot be decoded (such documents are
// logged at debug level and never reach callbacks).
//
// Callbacks run synchronously on the caller's goroutine, so a slow callback
// delays the acknowledgement and the next frame.
package dispatch
