// Package dedupe provides a bounded, time-limited set for dropping repeated
// deliveries of the same event.
package dedupe
