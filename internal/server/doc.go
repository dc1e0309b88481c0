// Package server provides the introspection HTTP server of a state bus.
//
// The server exposes the store to remote tools:
//
//   - POST /status: module status rows
//   - POST /dumpState: snapshots of the store, a module or a single field
//   - POST /setState: remote writes
//   - POST /subscribeState: a length-framed stream of changes of one field
//   - POST /call/{extension}: out-of-band commands registered by the host
//
// Responses and stream frames are encoded with the configured codec, named
// in the Content-Type header. Loopback callers are trusted; everyone else
// must present the configured basic-auth credential.
//
// The server shuts down gracefully on context cancellation, with a 5-second
// timeout for in-flight requests.
package server
