// Package protocol implements the wslink wire format.
//
// Every frame is a JSON object tagged by its "action" field. Requests that
// expect an answer carry a "token", which the server echoes on the matching
// "result" or "error" frame. Commands carry a "topic" plus topic-specific
// fields flattened into the same object, and broadcasts add the "origin_id"
// of the connection that caused them.
//
// Decode turns a frame into one of the concrete Message types so receivers
// can switch over them exhaustively; Encode does the reverse.
package protocol
