package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ringkv/internal/cluster"
	"ringkv/internal/store"
)

type API struct {
	node *cluster.Node
	log  *zap.Logger
}

func NewAPI(node *cluster.Node, logger *zap.Logger) *API {
	return &API{
		node: node,
		log:  logger,
	}
}

// NewEngine returns a gin engine with the replica's middleware installed.
//
// Keys travel path-escaped, so routing has to look at the raw path (a key
// may contain "/") and hand the unescaped value to the handlers.
func NewEngine(logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.Use(RequestID(), Logger(logger), Recovery(logger))
	return r
}

func (a *API) SetupRoutes(r *gin.Engine) {
	// client endpoints, called by the router / kvcli
	r.GET("/get/:slot/:key", a.GetKey)
	r.POST("/put/:slot/:key", a.PutKey)
	r.POST("/reconcile/merge/:slot/:key", a.Reconcile)

	// replica to replica
	r.GET("/internal_get/:slot/:key", a.InternalGet)
	r.POST("/hinted/put", a.HintedPut)
	r.POST("/gossip", a.Gossip)
	r.GET("/gossip", a.Digest)
	r.POST("/receiver", a.Receive)

	// admin
	r.POST("/transfer", a.Transfer)
	r.GET("/status", a.Status)
}

// MetricsHandler exposes g in the Prometheus text format.
func MetricsHandler(g prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// the req body of POST /put/:slot/:key
//
// Clients send {op, item, version}; coordinators fanning a write out send
// {op, item, clock, replicate: true}.
type PutRequest struct {
	Op        store.Op          `json:"op" binding:"required"`
	Item      string            `json:"item"`
	Version   store.VectorClock `json:"version"`
	Clock     store.VectorClock `json:"clock"`
	Replicate bool              `json:"replicate"`
}

// the req body of POST /transfer
type TransferRequest struct {
	To     string `json:"to" binding:"required"`
	Range  []int  `json:"range" binding:"required,len=2"`
	Remove bool   `json:"remove"`
}

func (a *API) GetKey(c *gin.Context) {
	slot, ok := a.slot(c)
	if !ok {
		return
	}

	versions, redirect := a.node.Get(c.Request.Context(), slot, c.Param("key"))
	if redirect != "" {
		a.redirect(c, redirect)
		return
	}
	if len(versions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (a *API) PutKey(c *gin.Context) {
	slot, ok := a.slot(c)
	if !ok {
		return
	}
	key := c.Param("key")

	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// a coordinator's fan-out: stored if causally newer, never redirected
	if req.Replicate {
		applied, err := a.node.ApplyReplicate(slot, key, store.ReplicatedWrite{
			Op:        req.Op,
			Item:      req.Item,
			Clock:     req.Clock,
			Replicate: true,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"applied": applied})
		return
	}

	res, err := a.node.Put(c.Request.Context(), slot, key, req.Op, req.Item, req.Version)
	switch {
	case errors.Is(err, store.ErrUnknownOp):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case res.Redirect != "":
		a.redirect(c, res.Redirect)
	case res.Conflict != nil:
		c.JSON(http.StatusConflict, gin.H{"clock": res.Conflict})
	default:
		c.JSON(http.StatusOK, gin.H{"clock": res.Clock})
	}
}

func (a *API) Reconcile(c *gin.Context) {
	slot, ok := a.slot(c)
	if !ok {
		return
	}

	var snap store.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if snap.Items == nil {
		snap.Items = []string{}
	}

	if redirect := a.node.Reconcile(c.Request.Context(), slot, c.Param("key"), snap); redirect != "" {
		a.redirect(c, redirect)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) InternalGet(c *gin.Context) {
	slot, ok := a.slot(c)
	if !ok {
		return
	}

	snap, found, redirect := a.node.InternalGet(slot, c.Param("key"))
	switch {
	case redirect != "":
		a.redirect(c, redirect)
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
	default:
		c.JSON(http.StatusOK, snap)
	}
}

func (a *API) HintedPut(c *gin.Context) {
	var h store.Hint
	if err := c.ShouldBindJSON(&h); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.node.StashHint(h)
	c.JSON(http.StatusOK, gin.H{"status": "stashed"})
}

// Gossip answers a peer's round with the digest this replica had before
// merging the peer's.
func (a *API) Gossip(c *gin.Context) {
	var msg cluster.GossipMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		a.log.Warn("Malformed gossip payload", zap.String("from", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	own, err := a.node.HandleGossip(msg)
	if err != nil {
		a.log.Warn("Rejected gossip digest", zap.String("from", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, own)
}

func (a *API) Digest(c *gin.Context) {
	c.JSON(http.StatusOK, a.node.Digest())
}

func (a *API) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := a.node.Transfer(c.Request.Context(), req.To, req.Range[0], req.Range[1], req.Remove)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": n})
}

func (a *API) Receive(c *gin.Context) {
	var buckets []store.Bucket
	if err := c.ShouldBindJSON(&buckets); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.node.Receive(buckets)
	c.JSON(http.StatusOK, gin.H{"buckets": len(buckets)})
}

func (a *API) Status(c *gin.Context) {
	c.JSON(http.StatusOK, a.node.Status())
}

// slot parses the :slot path param; on failure it has already answered 400.
func (a *API) slot(c *gin.Context) (int, bool) {
	capacity := a.node.Ring().Params().Capacity

	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil || slot < 0 || slot >= capacity {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("slot must be an integer in [0, %d)", capacity),
		})
		return 0, false
	}
	return slot, true
}

// redirect answers 307 pointing at the replica that owns the slot. The body
// carries the bare address for clients that route themselves.
func (a *API) redirect(c *gin.Context, address string) {
	c.Header("Location", "http://"+address+c.Request.URL.RequestURI())
	c.JSON(http.StatusTemporaryRedirect, gin.H{"address": address})
}
