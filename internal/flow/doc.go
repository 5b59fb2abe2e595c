// Package flow runs checkpointable flows and the peer sessions they open.
//
// Each flow instance owns two goroutines: the flow logic and an event loop.
// The loop is the only writer of the instance's session state. Flow logic
// parks on a reply channel whenever it reaches a suspension point (send,
// receive, close, sleep) and is resumed by the loop when a dispatcher event
// satisfies the pending request.
package flow
