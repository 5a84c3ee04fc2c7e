// Package progress defines the learning-progress records, status enum, and
// wire payloads shared by the realtime channel, the tracker store, and the
// dashboard client.
package progress
