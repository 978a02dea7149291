/*
Package channel provides the point-to-point message channel between the supervising process and its worker process.

The supervising side calls Listen, which serves a single WebSocket route over a unix domain socket at <root>/<server ID>.sock. The worker calls Dial with the same Endpoint. Each side then exchanges protocol.Envelopes with Conn.Send and Conn.Receive.

The channel is ordered and does not lose or duplicate envelopes while connected. Once the peer goes away, Receive returns an error matching ErrDisconnected instead of blocking. A server accepts exactly one connection: the channel is owned by one session and is released when either side closes it.

Reconnecting is off by default, so a worker whose supervisor disappears sees the failure on its first attempt and exits.
*/
package channel
