package gateway

import (
	"net/http"
	"strconv"

	"HaksaPresence/middleware"
	midsec "HaksaPresence/middleware/security"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/service/metrics"
	"HaksaPresence/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Routes mounts the websocket, health, metrics and query endpoints.
func (s *Server) Routes(r *gin.Engine, promReg *prometheus.Registry) {
	auth := middleware.RouteOpt{Auth: s.auth.Middleware()}

	r.GET("/healthz", func(c *gin.Context) {
		conns, records, subs := s.reg.Stats()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": s.conf.NodeID, "conns": conns, "sockets": s.conns.Count(), "records": records, "subs": subs})
	})
	if promReg != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(promReg)))
	}
	middleware.GET(r, s.conf.WSPath, s.HandleWS, auth)

	v1 := r.Group("/v1")
	middleware.GET(v1, "/nearby", s.handleNearby, auth)
	middleware.GET(v1, "/presence/:userId", s.handlePresence, auth)
}

func abortErr(c *gin.Context, status int, err error) {
	code, msg := errs.ServerInternalError, "internal error"
	if ce, ok := errs.AsCode(err); ok {
		code, msg = ce.ECode(), ce.EMsg()
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "msg": msg})
}

func queryFloat(c *gin.Context, key string) (float64, bool) {
	v, err := strconv.ParseFloat(c.Query(key), 64)
	return v, err == nil
}

// GET /v1/nearby?lat=&lng=&radius_m=&scope=node|cluster
func (s *Server) handleNearby(c *gin.Context) {
	id, _ := midsec.IdentityFrom(c)
	lat, okLat := queryFloat(c, "lat")
	lng, okLng := queryFloat(c, "lng")
	if !okLat || !okLng {
		abortErr(c, http.StatusBadRequest, errs.ErrSubscriptionInvalid.WrapMsg("lat and lng required"))
		return
	}
	radius := s.reg.Tuning().DefaultRadiusMeters
	if raw := c.Query("radius_m"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			abortErr(c, http.StatusBadRequest, errs.ErrSubscriptionInvalid.WrapMsg("bad radius"))
			return
		}
		radius = v
	}
	area := model.Subscription{SubscriberID: id.UserID, OriginLat: lat, OriginLng: lng, RadiusMeters: radius}
	if err := area.Validate(s.reg.Tuning().MaxRadiusMeters); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}

	var (
		records []model.PresenceRecord
		scope   = "node"
	)
	if c.Query("scope") == "cluster" && s.cluster != nil {
		all, err := s.cluster.Nearby(c.Request.Context(), lat, lng, radius)
		if err != nil {
			abortErr(c, http.StatusServiceUnavailable, errs.ErrConnection.WrapMsg(err.Error()))
			return
		}
		records = make([]model.PresenceRecord, 0, len(all))
		for _, r := range all {
			if r.UserID != id.UserID {
				records = append(records, r)
			}
		}
		scope = "cluster"
	} else {
		records = s.reg.Nearby(lat, lng, radius, id.UserID)
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "radius_m": radius, "records": records})
}

// GET /v1/presence/:userId; hidden users are only visible to themselves.
func (s *Server) handlePresence(c *gin.Context) {
	id, _ := midsec.IdentityFrom(c)
	userID := c.Param("userId")

	rec, ok := s.reg.Get(userID)
	if !ok && s.cluster != nil {
		var err error
		rec, ok, err = s.cluster.Lookup(c.Request.Context(), userID)
		if err != nil {
			abortErr(c, http.StatusServiceUnavailable, errs.ErrConnection.WrapMsg(err.Error()))
			return
		}
	}
	if !ok || (!rec.Visible && userID != id.UserID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
