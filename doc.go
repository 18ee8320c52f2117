// Package localllmgallery is an operator console for OpenAI-compatible
// image generation backends running on the local machine.
//
// # Architecture
//
// The module splits into a client-side streaming orchestrator and a
// server-side persistence surface:
//
//	┌─────────────────────────────────────┐
//	│       imagine.Orchestrator          │  Task sessions, WS/SSE
//	│  (start, stop, fallback, dedupe)    │  streaming, edit streams
//	└─────────────────────────────────────┘
//	           ↓ produces image refs via
//	┌─────────────────────────────────────┐
//	│    eventstream + imageref           │  SSE decoding, payload
//	│                                     │  classification
//	└─────────────────────────────────────┘
//
//	┌─────────────────────────────────────┐
//	│         server.Server               │  HTTP API, local token,
//	│  (health, models, gallery CRUD)     │  rate limit, CORS
//	└─────────────────────────────────────┘
//	           ↓ persists through
//	┌─────────────────────────────────────┐
//	│   gallery.Store + fetcher           │  Durable index, safe
//	│                                     │  remote image fetching
//	└─────────────────────────────────────┘
//
// The orchestrator runs generation tasks against an admin API and streams
// results over WebSocket, falling back to SSE when the socket never opens.
// Late frames from a superseded or stopped session are dropped by an
// epoch check so a new session never sees stale results.
//
// The server persists images to a flat directory with a JSON index,
// deduplicates by origin, and refuses to fetch from unsafe hosts. Write
// endpoints require the shared local token and are rate limited per IP.
//
// # Binary
//
// Build and run the console server:
//
//	go build -o bin/localllmgallery ./cmd/localllmgallery
//
//	# Run with defaults (127.0.0.1:8086, ./data/gallery)
//	LLMGALLERY_LOCAL_TOKEN=change-me ./bin/localllmgallery
//
//	# Run with a config file
//	./bin/localllmgallery --config configs/gallery.yaml
//
// Configuration comes from an optional YAML or JSON file with
// LLMGALLERY_* environment variables layered on top.
package localllmgallery
