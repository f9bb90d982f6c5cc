// Package http serves the bundle manager control API over gin.
//
// Handlers never touch the manager directly. Each call is marshalled onto
// the tick goroutine through the runner, and asynchronous queries (content
// state, install state, cache flush) wait for their answer with the request
// context. Errors are encoded with errors.ToJSON and mapped to a status by
// error code.
package http
