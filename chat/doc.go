// Package chat speaks the room stream protocol of the comment servers.
//
// A room stream is a persistent connection carrying NUL-terminated XML
// frames: the client joins with a <thread> request, the server acknowledges
// it with a <thread> frame holding the ticket and last comment number, then
// pushes <chat> frames. Posted comments are <chat> frames sent by the client
// and acknowledged by <chat_result>.
//
// Listener owns one such connection. It runs its read loop on its own
// goroutine and reports to a ListenerHandler in stream order. Frames that do
// not parse are logged and dropped without closing the connection. Dialer
// abstracts the transport: TCPDialer connects to the socket directly and
// WebSocketDialer goes through a gateway that relays the same frames.
package chat
