// Package api exposes pinning results, telemetry and jobs over HTTP.
//
// Routes live under /api/v1. Job updates are pushed to websocket clients on
// /api/v1/jobs-stream. Every request passes request-ID, logging, per-IP rate limit
// and CORS middleware; all routes but health and ready require X-Auth-Token when a
// token is configured.
package api
