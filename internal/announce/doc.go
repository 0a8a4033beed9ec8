// Package announce publishes the wares daemon to Home Assistant over
// MQTT discovery. The daemon appears as a native HA device with
// availability tracking, a binary_sensor per installed app reflecting
// its health probe state, and summary sensors for the install count
// and daemon version.
//
// The announcer uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each entity, a birth message ("online") to the availability topic,
// and the last known state of every entity. A will message ensures
// the availability topic transitions to "offline" on unexpected
// disconnects. App states are published on health transitions rather
// than on a timer.
package announce
