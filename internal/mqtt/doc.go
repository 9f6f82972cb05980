// Package mqtt publishes sync status to an MQTT broker.
//
// Every finished pass is published retained, as JSON, to
// <prefix>/<account>/<mailbox-slug>/state so a dashboard or home
// automation system can show the last result per mailbox without
// polling the HTTP API. Bus events are forwarded, not retained, to
// <prefix>/events.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to
// <prefix>/availability and republishes the last state of every
// mailbox. A will message moves availability to "offline" on an
// unexpected disconnect.
package mqtt
