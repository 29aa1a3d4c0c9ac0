// Package ws connects browser clients to the shared workspace session.
//
// The package implements:
//   - Hub: one goroutine that owns the client set, the terminal history
//     and the workspace watch, fanning shell output and file changes out
//     to every client
//   - Client: a connection with a bounded outbox; terminal output is
//     dropped oldest-first when it fills, and a client that still cannot
//     keep up is closed with code 1013
//   - Handler: WebSocket upgrade plus the read and write pumps
//
// Protocol messages are JSON text frames with a "type" field:
// terminal:write, terminal:resize, file:save and ping from the client;
// terminal:data, terminal:history, terminal:status, terminal:closed,
// file:refresh, file:saved, watch:status, error and pong from the server.
package ws
