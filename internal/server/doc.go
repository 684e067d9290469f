// Package server exposes sandbox management over HTTP.
//
// It orchestrates the service components:
//   - HTTP routing with Gin (CORS, rate limiting, recovery, metrics)
//   - Sandbox lifecycle through the Manager
//   - Module loading with the fs and http builtins registered
//   - Console streaming over WebSockets
//
// Server Lifecycle:
//  1. Load configuration from environment
//  2. Initialize logger
//  3. Build the loader and register shims
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. Graceful shutdown terminates every sandbox
package server
