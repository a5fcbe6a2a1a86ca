package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pricewatch/internal/model"
	"pricewatch/internal/scheduler"
	logx "pricewatch/pkg/logx"
)

type handler struct {
	hist   History
	ctl    Controller
	status StatusFunc
	log    logx.Logger
}

// query serves the read-only ?endpoint= surface.
func (h *handler) query(c *gin.Context) {
	switch c.Query("endpoint") {
	case "health":
		c.JSON(http.StatusOK, gin.H{"health": "green"})
	case "latestPrice":
		h.latestPrice(c)
	case "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing endpoint parameter"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown endpoint " + c.Query("endpoint")})
	}
}

func (h *handler) latestPrice(c *gin.Context) {
	ctx := c.Request.Context()
	latest, ok, err := h.hist.Latest(ctx)
	if err != nil {
		h.storeFailure(c, "latest price", err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"latestPrice": nil, "message": "no data yet"})
		return
	}
	resp := gin.H{"latestPrice": latest}
	if latest.Outcome.OK() {
		resp["lastSuccessful"] = latest
		c.JSON(http.StatusOK, resp)
		return
	}
	all, err := h.hist.All(ctx)
	if err != nil {
		h.storeFailure(c, "latest price", err)
		return
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Outcome.OK() {
			resp["lastSuccessful"] = all[i]
			break
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) storeFailure(c *gin.Context, what string, err error) {
	h.log.Warn("store read failed", logx.String("what", what), logx.Err(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store unavailable"})
}

// check runs a manual check. Once started it is not cancelled by the
// client going away; the source timeout bounds it.
func (h *handler) check(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	obs, err := h.ctl.CheckNow(ctx)
	if err != nil {
		h.log.Error("manual check not stored", logx.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "observation could not be stored", "observation": obs})
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (h *handler) getSchedule(c *gin.Context) {
	v, err := h.ctl.Schedule(c.Request.Context())
	if err != nil {
		h.storeFailure(c, "schedule", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handler) putSchedule(c *gin.Context) {
	var u scheduler.ScheduleUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if u.Enabled == nil && u.Trigger == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	v, err := h.ctl.UpdateSchedule(c.Request.Context(), u)
	switch {
	case errors.Is(err, scheduler.ErrInvalidTrigger):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		h.storeFailure(c, "schedule update", err)
	default:
		c.JSON(http.StatusOK, v)
	}
}

func (h *handler) history(c *gin.Context) {
	all, err := h.hist.All(c.Request.Context())
	if err != nil {
		h.storeFailure(c, "history", err)
		return
	}
	out := make([]model.Observation, len(all))
	for i, o := range all {
		out[len(all)-1-i] = o
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) resend(c *gin.Context) {
	obs, err := h.ctl.ResendLatest(c.Request.Context())
	switch {
	case errors.Is(err, scheduler.ErrNoPrice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		h.storeFailure(c, "resend", err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"resent": obs})
	}
}

func (h *handler) statusSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{"scheduler": h.ctl.Snapshot(ctx)}
	if h.status != nil {
		for k, v := range h.status(ctx) {
			out[k] = v
		}
	}
	c.JSON(http.StatusOK, out)
}
