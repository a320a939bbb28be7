// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package api documents the CineGen HTTP API.
//
// # API Overview
//
// CineGen exposes a RESTful API for:
//   - Persona catalog management and reference image upload
//   - Asynchronous video generation jobs with idempotent enqueue
//   - Live job progress over WebSocket
//   - Provider status, script dry-run validation and similarity search
//   - Health, readiness and build information
//
// Handlers live in api/handlers; routes are registered by
// handlers.Routes.Register.
//
// # Authentication
//
// When API keys are configured, requests must carry the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// When a JWT secret is configured, a bearer token is accepted instead:
//
//	Authorization: Bearer <token>
//
// /health, /ready and /version are always public.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served separately at http://localhost:9091/metrics.
//
// # Response Envelope
//
// Every JSON response uses the same envelope:
//
//	{
//	  "success": false,
//	  "error": {"kind": "persona_not_found", "message": "...", "retryable": false},
//	  "timestamp": "2026-01-02T15:04:05Z",
//	  "request_id": "2f1c..."
//	}
package api
