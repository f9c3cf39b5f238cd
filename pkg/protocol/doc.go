// Package protocol defines the LTP wire dialect: the framed JSON text
// messages exchanged between a node and its clients.
//
// Every frame is a single UTF-8 JSON object carrying a snake_case "type"
// discriminator. Four inbound kinds (hello, heartbeat, orientation,
// route_request) and four outbound kinds (hello_ack, heartbeat_ack,
// route_suggestion, error) are defined. Unknown or malformed frames decode
// to an error so the connection handler can answer with an INVALID error
// frame without tearing the session down.
package protocol
