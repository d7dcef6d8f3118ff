// Package mqtt publishes MCP fleet status to Home Assistant over MQTT.
//
// Each configured MCP server appears as a connectivity binary_sensor
// on a single HA device, alongside fleet-wide sensors (connected
// servers, total tools, uptime, version) and a "Refresh tools" button.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a
// birth message ("online") to the availability topic, and subscribes
// to the command topic. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects. Servers added or
// removed at runtime are announced or withdrawn on the next publish.
package mqtt
