package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidInput, errors.CodeInvalidConfig, errors.CodeSchemaFailed:
		return http.StatusBadRequest
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errors.ToJSON(err))
}

func errBundleNotFound(name bundle.Name) error {
	return errors.Newf(errors.CodeNotFound, "bundle %q is not registered", name)
}

func badRequest(msg string, args ...any) error {
	return errors.Newf(errors.CodeInvalidInput, msg, args...)
}

// parseNames splits a comma separated query value.
func parseNames(raw string) []bundle.Name {
	var out []bundle.Name
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, bundle.Name(part))
		}
	}
	return out
}

func toNames(in []string) []bundle.Name {
	out := make([]bundle.Name, 0, len(in))
	for _, s := range in {
		out = append(out, bundle.Name(s))
	}
	return out
}

var updateFlagNames = map[string]bundle.UpdateFlags{
	"skip_mount":  bundle.UpdateSkipMount,
	"async_mount": bundle.UpdateAsyncMount,
}

var releaseFlagNames = map[string]bundle.ReleaseFlags{
	"remove_files_if_possible":  bundle.ReleaseRemoveFilesIfPossible,
	"skip_release_unmount_only": bundle.ReleaseSkipReleaseUnmountOnly,
	"explicit_remove_list":      bundle.ReleaseExplicitRemoveList,
}

func parseFlags[F ~uint32](names []string, known map[string]F) (F, error) {
	var flags F
	for _, n := range names {
		f, ok := known[n]
		if !ok {
			return 0, badRequest("unknown flag %q", n)
		}
		flags |= f
	}
	return flags, nil
}
