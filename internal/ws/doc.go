// Package ws serves terminal sessions to browser clients over WebSocket.
//
// Every connection starts idle. A select frame attaches it to the session
// for a directory (spawning one if none is running), after which the
// replay buffer and live output stream to the client and input and resize
// frames are forwarded to the program. Closing the connection only
// detaches; the program keeps running for the next client.
//
// Client frames carry a leading tag:
//
//	0<bytes>         terminal input
//	1<cols>,<rows>   resize
//	2{"cwd":"..."}   select a project directory
//
// Server frames are either raw program output (binary messages) or control
// frames (text messages): byte 0x01 followed by a JSON object whose "type"
// is one of ready, spawned, attached, exited or error.
package ws
