// Package transport implements C1: family-aware TCP connect/listen and the
// HTTP decoy framing that makes every peer-to-peer stream look like an
// ordinary HTTP/1.1 exchange to a passive observer.
package transport
