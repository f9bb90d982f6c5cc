// Package logging provides structured logging using uber/zap.
//
// Production output is sampled JSON; development output is colored console
// text. The level is atomic and can be read or changed over HTTP through
// LevelHandler.
//
// Components receive a *zap.Logger at construction. Component tags a child
// logger with the component name and OrNop turns a nil logger into a no-op.
//
// Example Usage:
//
//	logger, err := logging.New(logging.Config{Level: "info", Service: "bundlemgr"})
//	mgr := manager.New(manager.Options{Logger: logger.Component("manager")})
//	router.PUT("/log/level", gin.WrapH(logger.LevelHandler()))
package logging
