package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// UpdateRequest is the body of POST /bundles/update.
type UpdateRequest struct {
	Bundles []string `json:"bundles" binding:"required,min=1"`
	Flags   []string `json:"flags"`
}

// ReleaseRequest is the body of POST /bundles/release.
type ReleaseRequest struct {
	Bundles []string `json:"bundles" binding:"required,min=1"`
	Flags   []string `json:"flags"`
	Keep    []string `json:"keep"`
}

// NamesRequest names bundles for cancel, pause and resume.
type NamesRequest struct {
	Bundles []string `json:"bundles" binding:"required,min=1"`
}

// RequestInfoView is the JSON shape of bundle.RequestInfo.
type RequestInfoView struct {
	Flags    string              `json:"flags"`
	Enqueued []bundle.Name       `json:"enqueued"`
	Results  []RequestResultView `json:"results,omitempty"`
}

// RequestResultView reports what happened to one requested name.
type RequestResultView struct {
	Bundle bundle.Name `json:"bundle"`
	Result string      `json:"result"`
}

func requestInfoView(info bundle.RequestInfo) RequestInfoView {
	v := RequestInfoView{Flags: info.Flags.String(), Enqueued: info.Enqueued}
	if v.Enqueued == nil {
		v.Enqueued = []bundle.Name{}
	}
	for _, r := range info.Results {
		v.Results = append(v.Results, RequestResultView{Bundle: r.Bundle, Result: r.Result.String()})
	}
	return v
}

// RequestUpdate queues bundles for install and mount.
func (h *Handlers) RequestUpdate(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request: %v", err))
		return
	}
	flags, err := parseFlags(req.Flags, updateFlagNames)
	if err != nil {
		h.fail(c, err)
		return
	}

	var (
		info   bundle.RequestInfo
		reqErr error
	)
	names := toNames(req.Bundles)
	err = h.onLoop(c, func() { info, reqErr = h.manager.RequestUpdateContent(names, flags) })
	if err == nil {
		err = reqErr
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("update requested",
		zap.Strings("bundles", req.Bundles),
		zap.String("info", info.Flags.String()))
	c.JSON(http.StatusAccepted, requestInfoView(info))
}

// RequestRelease queues bundles for release.
func (h *Handlers) RequestRelease(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request: %v", err))
		return
	}
	flags, err := parseFlags(req.Flags, releaseFlagNames)
	if err != nil {
		h.fail(c, err)
		return
	}

	var (
		info   bundle.RequestInfo
		reqErr error
	)
	names, keep := toNames(req.Bundles), toNames(req.Keep)
	err = h.onLoop(c, func() { info, reqErr = h.manager.RequestReleaseContent(names, flags, keep) })
	if err == nil {
		err = reqErr
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("release requested",
		zap.Strings("bundles", req.Bundles),
		zap.String("info", info.Flags.String()))
	c.JSON(http.StatusAccepted, requestInfoView(info))
}

// CancelUpdate cancels pending updates.
func (h *Handlers) CancelUpdate(c *gin.Context) {
	h.withNames(c, h.manager.CancelUpdateContent)
}

// CancelRelease cancels pending releases.
func (h *Handlers) CancelRelease(c *gin.Context) {
	h.withNames(c, h.manager.CancelReleaseContent)
}

// Pause pauses pending updates.
func (h *Handlers) Pause(c *gin.Context) {
	h.withNames(c, h.manager.PauseUpdateContent)
}

// Resume resumes paused updates.
func (h *Handlers) Resume(c *gin.Context) {
	h.withNames(c, h.manager.ResumeUpdateContent)
}

func (h *Handlers) withNames(c *gin.Context, fn func([]bundle.Name)) {
	var req NamesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request: %v", err))
		return
	}
	names := toNames(req.Bundles)
	if err := h.onLoop(c, func() { fn(names) }); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bundles": names})
}
