// ABOUTME: Package doc for the HTTP API server.
// ABOUTME: Describes routing, authentication, and listener modes.

// Package server exposes the gateway over HTTP.
//
// The API is a plain JSON REST surface under /api/ covering channel
// management, agents, and background tasks, plus a Server-Sent Events
// stream per task at /api/tasks/{id}/stream. GET /health stays
// unauthenticated for liveness probes; everything under /api/ requires
// a bearer token when auth.jwt_secret is configured.
//
// The server listens on a local TCP port by default. With Tailscale
// enabled it joins the tailnet via tsnet instead, optionally serving
// HTTPS with Tailscale-provisioned certificates or exposing itself
// publicly through Funnel.
package server
