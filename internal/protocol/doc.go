// Package protocol defines the JSON envelopes exchanged between devices and
// the pairing relay over the WebSocket.
//
// Every frame is a single JSON object with a "type" discriminator. Inbound
// frames are decoded leniently into Inbound; outbound frames are a closed set
// of typed envelopes implementing Outbound.
package protocol
