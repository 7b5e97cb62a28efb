// Package server exposes the video API over HTTP.
//
// Every route shares one middleware chain: request ids, request logging,
// hardening headers, metrics and bearer token checks, in that order from the
// outside in.
package server
