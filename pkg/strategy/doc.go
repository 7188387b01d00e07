// Package strategy decides how each intercepted request is served.
//
// A request is classified into a traffic class and handed to the strategy the
// engine's table maps that class to:
//
//   - Navigation: network with revalidation forced, navigation preload preferred,
//     precached offline document (or a synthesized one) on failure
//   - NetworkOnly: network with revalidation forced; the store is never touched
//   - CacheFirst: store first, network on miss, 200 responses written to the
//     runtime role in the background
//   - NetworkFirst: network first, most recent cached copy on failure, no writes
//   - StaleWhileRevalidate: cached copy immediately, refreshed in the background
//
// Background writes never block a response. They are tracked by a Writer whose
// Wait method settles them.
//
// Only transport failures count as network failures. An HTTP error status from
// the origin is a response and is returned as-is.
//
// Responses carry two headers for observability:
//
//	X-Cache-Strategy: cache-first
//	X-Cache: hit | miss | bypass | fallback
package strategy
