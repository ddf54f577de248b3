/*
	Package duplex implements a bidirectional RPC engine over a single
	persistent message-oriented connection, such as a WebSocket.

	A Session lets the local side invoke named remote procedures and
	receive typed results or errors, while the remote peer can invoke
	procedures registered locally on the same connection. There is no
	inherent asymmetry between the two peers beyond the call-id space:
	the dialing side allocates odd ids and the accepting side even ids,
	so simultaneous calls never collide.

	The transport is pluggable through the Dialer and Transport
	interfaces; ws/gorilla and ws/gobwas provide WebSocket
	implementations. A session queues calls issued while the transport
	is connecting, fails the ones still pending when the connection
	drops, and reconnects after a fixed delay. Each physical connection
	carries a generation number so that handler completions left over
	from a superseded connection are discarded instead of sent.
*/
package duplex
