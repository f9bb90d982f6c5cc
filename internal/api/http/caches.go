package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
)

// FlushRequest is the body of POST /caches/flush. Empty fields match every
// cache or source.
type FlushRequest struct {
	Cache  string `json:"cache"`
	Source string `json:"source"`
}

// CacheStats reports cache usage. ?cache= limits it to one cache and
// ?bundles=true includes per-bundle entries.
func (h *Handlers) CacheStats(c *gin.Context) {
	var flags cache.StatsFlags
	if ok, _ := strconv.ParseBool(c.Query("bundles")); ok {
		flags |= cache.StatsIncludeBundles
	}

	name := bundle.CacheName(c.Query("cache"))
	var (
		stats   []cache.Stats
		statErr error
	)
	err := h.onLoop(c, func() {
		if name == "" {
			stats = h.manager.GetCacheStats(flags)
			return
		}
		var s cache.Stats
		if s, statErr = h.manager.CacheStats(name, flags); statErr == nil {
			stats = []cache.Stats{s}
		}
	})
	if err == nil {
		err = statErr
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if stats == nil {
		stats = []cache.Stats{}
	}
	c.JSON(http.StatusOK, gin.H{"caches": stats})
}

// FlushCache evicts unreserved bundles and waits until the flush finishes.
func (h *Handlers) FlushCache(c *gin.Context) {
	var req FlushRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, badRequest("invalid request: %v", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	done := make(chan error, 1)
	var startErr error
	err := h.runner.Do(ctx, func() {
		startErr = h.manager.FlushCache(bundle.CacheName(req.Cache), bundle.SourceID(req.Source), func(err error) { done <- err })
	})
	if err == nil {
		err = startErr
	}
	if err == nil {
		select {
		case err = <-done:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), errors.CodeTimeout, "flush did not complete")
		}
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("cache flushed", zap.String("cache", req.Cache), zap.String("source", req.Source))
	c.JSON(http.StatusOK, gin.H{"flushed": true, "cache": req.Cache, "source": req.Source})
}
