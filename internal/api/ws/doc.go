// Package ws streams manager events to WebSocket clients.
//
// The hub subscribes to the manager's update, release and pause listeners
// and fans each event out to every connected client. Listeners fire on the
// tick goroutine, so delivery never blocks it: each client owns a buffered
// queue and a client that falls behind is disconnected.
//
// Message Types (Server → Client):
//   - system: Sent once after the connection is registered
//   - update_complete: An update request finished
//   - release_complete: A release request finished
//   - paused: The pause flags of an installing bundle changed
//   - pong: Reply to a client ping
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//
// Example Usage:
//
//	hub := ws.NewHub(logger)
//	hub.Attach(m)
//	router.GET("/events", hub.HandleConnection)
package ws
