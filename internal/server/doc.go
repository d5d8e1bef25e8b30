// Package server carries the relay's line protocol over TCP and WebSocket.
//
// Each accepted connection becomes a Client tracked by the Hub. A Client's
// read pump hands complete lines to the router; its write pump drains a
// bounded queue so that a slow peer never blocks anyone else. Configuration
// comes from CHATRELAY_* environment variables, optionally seeded from a
// dotenv file.
package server
