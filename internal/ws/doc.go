// Package ws is the WebSocket gateway of the shared canvas.
//
// Each browser tab holds one connection. The gateway:
//   - starts a session.Manager for the tab, so its presence record exists and
//     heartbeats for as long as the connection lives
//   - relays object and presence changes of the document to the tab
//   - turns client requests into lock, mutation, create and remove calls
//   - arms the watchdog so a dropped connection cleans up after itself
//
// Documents opened in this process share a Room holding the object engine,
// presence tracker and lock coordinator. A Room closes with its last client.
package ws
