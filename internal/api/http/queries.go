package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/manager"
	"github.com/GriffinCanCode/bundlemanager/internal/shared/id"
)

// Progress reports the live update progress of one bundle.
func (h *Handlers) Progress(c *gin.Context) {
	name := bundle.Name(c.Param("name"))
	var (
		p  manager.Progress
		ok bool
	)
	if err := h.onLoop(c, func() { p, ok = h.manager.GetBundleProgress(name) }); err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		h.fail(c, errors.Newf(errors.CodeNotFound, "no update in progress for %q", name))
		return
	}
	c.JSON(http.StatusOK, p)
}

// ContentStateView is the JSON shape of manager.ContentState.
type ContentStateView struct {
	State        string                     `json:"state"`
	Bundles      map[bundle.Name]StateEntry `json:"bundles"`
	DownloadSize uint64                     `json:"download_size"`
	InstallSize  uint64                     `json:"install_size"`
	OnDemand     []bundle.Name              `json:"on_demand,omitempty"`
}

// StateEntry is one bundle of a state answer.
type StateEntry struct {
	State  string  `json:"state"`
	Weight float64 `json:"weight,omitempty"`
}

// InstallStateView is the JSON shape of manager.InstallState.
type InstallStateView struct {
	State    string                     `json:"state"`
	Bundles  map[bundle.Name]StateEntry `json:"bundles"`
	OnDemand []bundle.Name              `json:"on_demand,omitempty"`
}

// ContentState asks every source for the state of the named bundles.
func (h *Handlers) ContentState(c *gin.Context) {
	names, deps, err := stateQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	answer := make(chan manager.ContentState, 1)
	cs, err := awaitQuery(h, c, answer,
		func() id.QueryHandle {
			return h.manager.GetContentState(names, deps, "", func(cs manager.ContentState) { answer <- cs })
		},
		h.manager.CancelContentStateQuery)
	if err != nil {
		h.fail(c, err)
		return
	}

	view := ContentStateView{
		State:        cs.State().String(),
		Bundles:      make(map[bundle.Name]StateEntry, len(cs.Bundles)),
		DownloadSize: cs.DownloadSize,
		InstallSize:  cs.InstallSize,
		OnDemand:     cs.OnDemand,
	}
	for name, b := range cs.Bundles {
		view.Bundles[name] = StateEntry{State: b.State.String(), Weight: b.Weight}
	}
	c.JSON(http.StatusOK, view)
}

// InstallState reports the registry's install state of the named bundles.
// With sync=true it answers immediately and fails while init is pending.
func (h *Handlers) InstallState(c *gin.Context) {
	names, deps, err := stateQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	var st manager.InstallState
	if sync, _ := strconv.ParseBool(c.Query("sync")); sync {
		var stErr error
		err = h.onLoop(c, func() { st, stErr = h.manager.GetInstallStateSync(names, deps) })
		if err == nil {
			err = stErr
		}
	} else {
		answer := make(chan manager.InstallState, 1)
		st, err = awaitQuery(h, c, answer,
			func() id.QueryHandle {
				return h.manager.GetInstallState(names, deps, "", func(st manager.InstallState) { answer <- st })
			},
			h.manager.CancelInstallStateQuery)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	view := InstallStateView{
		State:    st.State().String(),
		Bundles:  make(map[bundle.Name]StateEntry, len(st.Bundles)),
		OnDemand: st.OnDemand,
	}
	for name, s := range st.Bundles {
		view.Bundles[name] = StateEntry{State: s.String()}
	}
	c.JSON(http.StatusOK, view)
}

func stateQuery(c *gin.Context) ([]bundle.Name, bool, error) {
	names := parseNames(c.Query("names"))
	if len(names) == 0 {
		return nil, false, badRequest("names is required")
	}
	deps := false
	if raw := c.Query("deps"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false, badRequest("deps must be a boolean")
		}
		deps = v
	}
	return names, deps, nil
}

// awaitQuery starts an async manager query on the tick goroutine and waits
// for its answer. The query is cancelled if the request gives up first.
func awaitQuery[T any](h *Handlers, c *gin.Context, answer <-chan T, start func() id.QueryHandle, cancelQuery func(id.QueryHandle)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var handle id.QueryHandle
	if err := h.runner.Do(ctx, func() { handle = start() }); err != nil {
		return zero, err
	}

	select {
	case v := <-answer:
		return v, nil
	case <-ctx.Done():
		h.runner.Post(func() { cancelQuery(handle) })
		return zero, errors.Wrap(ctx.Err(), errors.CodeTimeout, "query did not complete")
	}
}
