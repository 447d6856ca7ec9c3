// Package protocol defines the frames exchanged between the hub and print agents.
//
// Every websocket message is one binary frame holding one map:
//
//	{"type": "request", "id": "<uuid>", "command": "get_printer_list", "payload": {...}}
//
// type is one of ping, pong, request or response. Requests carry id, command and
// payload; responses carry the id of the request they answer. The map is encoded
// with the codec named by the negotiated websocket subprotocol:
//
//	lasko.msgpack.v1  MessagePack (default when no subprotocol is offered)
//	lasko.cbor.v1     CBOR
//
// Decode never panics on malformed input. Unknown kinds come back as a
// *DecodeError wrapping ErrUnknownKind so the connection can log and carry on.
package protocol
