// Package live implements the client side of a Sandra voice call: the
// local state machine that mirrors the server's turn state, energy-based
// voice activity detection for barge-in, the microphone capture chunker,
// the playback queue for synthesized audio, and the avatar mouth driver.
//
// The coordinator never talks to a transport directly. It consumes the
// frames the application receives from the gateway and emits signals
// (barge-in, capture chunks) through callbacks, so it can be driven and
// tested without a live connection.
package live
