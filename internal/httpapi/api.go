package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuqie6/activityrank/internal/bootstrap"
	"github.com/yuqie6/activityrank/internal/consumer"
	"github.com/yuqie6/activityrank/internal/dto"
	"github.com/yuqie6/activityrank/internal/pkg/buildinfo"
	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/service"
)

const defaultTopLimit = 10

type apiServer struct {
	rt *bootstrap.AgentRuntime
}

func newAPI(rt *bootstrap.AgentRuntime) *apiServer {
	return &apiServer{rt: rt}
}

func (a *apiServer) handleHealth(c *gin.Context) {
	st := a.rt.Dispatcher.Stats()
	c.JSON(http.StatusOK, dto.HealthDTO{
		OK:        true,
		Name:      a.rt.Cfg.App.Name,
		Version:   a.rt.Cfg.App.Version,
		Build:     buildinfo.String(),
		Driver:    a.rt.Cfg.Storage.Driver,
		StartedAt: a.rt.StartedAt.Format(time.RFC3339),
		UptimeSec: int64(time.Since(a.rt.StartedAt).Seconds()),
		Consumer: dto.ConsumerStatusDTO{
			Submitted:    st.Submitted,
			Processed:    st.Processed,
			Rejected:     st.Rejected,
			Retries:      st.Retries,
			DeadLettered: st.DeadLettered,
		},
		Subscribers: a.rt.Hub.Subscribers(),
		Dropped:     a.rt.Hub.Dropped(),
	})
}

func (a *apiServer) handleTop(c *gin.Context) {
	w, err := service.ParseWindow(c.Param("window"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := clampLimit(c.Query("limit"), a.rt.Cfg.HTTP.TopLimitMax)
	if err != nil {
		writeError(c, http.StatusBadRequest, "limit 不合法")
		return
	}

	entries, err := a.rt.Services.Reader.Top(c.Request.Context(), w, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := dto.LeaderboardDTO{Window: string(w), Limit: limit, Entries: make([]dto.LeaderboardEntryDTO, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, dto.LeaderboardEntryDTO{
			Rank:     e.Rank,
			UserID:   e.UserID,
			Nickname: e.Nickname,
			Avatar:   e.Avatar,
			Score:    e.Score,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (a *apiServer) handleRank(c *gin.Context) {
	userID, err := parseInt64Param(c.Param("id"))
	if err != nil || userID <= 0 {
		writeError(c, http.StatusBadRequest, "用户 ID 不合法")
		return
	}
	w := service.WindowTotal
	if raw := c.Query("window"); raw != "" {
		if w, err = service.ParseWindow(raw); err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, ok, err := a.rt.Services.Reader.RankOf(c.Request.Context(), userID, w)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "用户在该排行榜没有分数")
		return
	}
	c.JSON(http.StatusOK, toRankDTO(res))
}

func (a *apiServer) handleStats(c *gin.Context) {
	userID, err := parseInt64Param(c.Param("id"))
	if err != nil || userID <= 0 {
		writeError(c, http.StatusBadRequest, "用户 ID 不合法")
		return
	}
	stats, err := a.rt.Services.Reader.StatsOf(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := dto.UserStatsDTO{UserID: userID, Windows: make(map[string]dto.RankDTO, len(stats))}
	for w, r := range stats {
		out.Windows[string(w)] = toRankDTO(r)
	}
	c.JSON(http.StatusOK, out)
}

func toRankDTO(r service.RankResult) dto.RankDTO {
	return dto.RankDTO{Window: string(r.Window), Rank: r.Rank, Position: r.Position, Score: r.Score}
}

// handleSubmit 接收一个事件。默认入队异步处理（202）；?sync=1 时同步处理并返回结果。
func (a *apiServer) handleSubmit(c *gin.Context) {
	var evt schema.ActivityEvent
	if err := readJSON(c.Request, &evt); err != nil {
		writeError(c, http.StatusBadRequest, "请求体不合法: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	if sync, _ := strconv.ParseBool(c.Query("sync")); sync {
		res, err := a.rt.Services.Engine.Apply(ctx, evt)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.ApplyResultDTO{
			EventID:  evt.EventID,
			Outcome:  res.Outcome.String(),
			Delta:    res.Delta,
			DayTotal: res.DayTotal,
		})
		return
	}

	if evt.EventID == "" {
		evt.EventID = newEventID()
	}
	if err := a.rt.Dispatcher.Submit(ctx, evt); err != nil {
		if errors.Is(err, consumer.ErrDispatcherClosed) {
			writeError(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(c, http.StatusRequestTimeout, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, dto.SubmitAcceptedDTO{EventID: evt.EventID, Queued: true})
}

// writeServiceError 不可重试的事件错误返回 422，存储不可用返回 503
func writeServiceError(c *gin.Context, err error) {
	switch {
	case service.IsRetryable(err):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, service.ErrInvalidEvent),
		errors.Is(err, service.ErrMalformedReversal):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}
