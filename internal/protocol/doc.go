// Package protocol defines the wire contract spoken with the remote
// frame-processing service: event names, payload types, and the JSON
// envelope framing used by every transport strategy.
//
// All field-name translation between the server's snake_case payloads and Go
// structs happens here and nowhere else.
package protocol
