// Package server exposes the vesting ledger over HTTP/JSON. The calling
// principal is taken from the X-Principal header; amounts travel as decimal
// strings so 128-bit values survive JSON.
package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"VestLedger/internal/access"
	"VestLedger/internal/asset"
	"VestLedger/internal/engine"
	"VestLedger/internal/observability"
	"VestLedger/internal/query"
	"VestLedger/internal/stream"
)

const principalHeader = "X-Principal"

// Server is the HTTP/JSON API over the engine.
type Server struct {
	eng     *engine.Engine
	queries *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	router  *gin.Engine
}

// New builds the API server. queries may be nil, in which case the
// history endpoints are not registered (tests and tools without Postgres).
func New(eng *engine.Engine, queries *query.QueryService, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		eng:     eng,
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     log,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.observe())

	r.GET("/healthz", gin.WrapF(health.LivenessHandler))
	r.GET("/readyz", gin.WrapF(health.ReadinessHandler))

	v1 := r.Group("/v1")
	{
		v1.GET("/offer", s.getOffer)
		v1.POST("/convert", s.postConvert)
		v1.GET("/streams/:id", s.getStream)
		v1.GET("/streams/:id/claimable", s.getClaimable)
		v1.POST("/streams/:id/claim", s.postClaim)
		v1.POST("/streams/:id/transfer", s.postTransfer)
		v1.GET("/id/encode", s.getEncodeID)
		v1.GET("/id/decode", s.getDecodeID)
		v1.POST("/admin/withdraw", s.postWithdraw)
		v1.POST("/admin/transfer", s.postTransferAdmin)

		if queries != nil {
			v1.GET("/owners/:owner/streams", s.getOwnerStreams)
			v1.GET("/streams/:id/events", s.getStreamEvents)
			v1.GET("/events", s.getRecentEvents)
		}
	}

	s.router = r
	return s
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("API server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// observe records request metrics and an access log line.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("endpoint", endpoint).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// caller extracts the calling principal from the X-Principal header.
func caller(c *gin.Context) (stream.Principal, bool) {
	p, err := stream.ParsePrincipal(c.GetHeader(principalHeader))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + principalHeader + " header"})
		return stream.Principal{}, false
	}
	return p, true
}

func pathStreamID(c *gin.Context) (stream.ID, bool) {
	id, err := stream.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return stream.ID{}, false
	}
	return id, true
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// fail maps engine errors onto HTTP status codes.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidRecipient), errors.Is(err, engine.ErrZeroAmount):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized), errors.Is(err, access.ErrNotAdmin):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrStreamNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrExpired),
		errors.Is(err, engine.ErrInsufficientReserves),
		errors.Is(err, asset.ErrInsufficientBalance):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) getOffer(c *gin.Context) {
	p := s.eng.Params()
	c.JSON(http.StatusOK, gin.H{
		"rate":         p.Rate.String(),
		"in_decimals":  p.InDecimals,
		"out_decimals": p.OutDecimals,
		"duration":     p.Duration,
		"expiry":       p.Expiry,
		"custody":      p.Custody.String(),
		"obligations":  s.eng.Obligations().String(),
		"sequence":     s.eng.Sequence(),
	})
}

type convertRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	AmountIn  string `json:"amount_in" binding:"required"`
}

func (s *Server) postConvert(c *gin.Context) {
	sender, ok := caller(c)
	if !ok {
		return
	}
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recipient, err := stream.ParsePrincipal(req.Recipient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amountIn, ok := parseAmount(req.AmountIn)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_in must be a non-negative decimal string"})
		return
	}

	id, amountOut, err := s.eng.Convert(c.Request.Context(), sender, recipient, amountIn)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id":  id.String(),
		"amount_out": amountOut.String(),
		"start_time": id.StartTime(),
	})
}

func (s *Server) getStream(c *gin.Context) {
	id, ok := pathStreamID(c)
	if !ok {
		return
	}
	rec := s.eng.ReadStream(id)
	c.JSON(http.StatusOK, gin.H{
		"stream_id":  id.String(),
		"owner":      id.Owner().String(),
		"start_time": id.StartTime(),
		"total":      rec.Total.String(),
		"claimed":    rec.Claimed.String(),
		"claimable":  s.eng.ClaimableBalance(id).String(),
	})
}

func (s *Server) getClaimable(c *gin.Context) {
	id, ok := pathStreamID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": id.String(),
		"claimable": s.eng.ClaimableBalance(id).String(),
	})
}

type claimRequest struct {
	To string `json:"to"` // optional; defaults to the stream owner
}

func (s *Server) postClaim(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathStreamID(c)
	if !ok {
		return
	}

	var req claimRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	to := who
	if req.To != "" {
		var err error
		if to, err = stream.ParsePrincipal(req.To); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	amount, err := s.eng.ClaimTo(c.Request.Context(), who, id, to)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": id.String(),
		"to":        to.String(),
		"amount":    amount.String(),
	})
}

type transferRequest struct {
	NewOwner string `json:"new_owner" binding:"required"`
}

func (s *Server) postTransfer(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathStreamID(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	newOwner, err := stream.ParsePrincipal(req.NewOwner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newID, err := s.eng.TransferStream(c.Request.Context(), who, id, newOwner)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"old_stream_id": id.String(),
		"new_stream_id": newID.String(),
		"new_owner":     newOwner.String(),
	})
}

func (s *Server) getEncodeID(c *gin.Context) {
	owner, err := stream.ParsePrincipal(c.Query("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	startTime, err := strconv.ParseUint(c.Query("start_time"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be a unix timestamp"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": stream.EncodeID(owner, startTime).String(),
	})
}

func (s *Server) getDecodeID(c *gin.Context) {
	id, err := stream.ParseID(c.Query("stream_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, startTime := stream.DecodeID(id)
	c.JSON(http.StatusOK, gin.H{
		"owner":      owner.String(),
		"start_time": startTime,
	})
}

type withdrawRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) postWithdraw(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := stream.ParsePrincipal(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a non-negative decimal string"})
		return
	}

	if err := s.eng.Withdraw(c.Request.Context(), who, to, amount); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"to":     to.String(),
		"amount": amount.String(),
	})
}

type transferAdminRequest struct {
	To string `json:"to" binding:"required"`
}

func (s *Server) postTransferAdmin(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	var req transferAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := stream.ParsePrincipal(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.eng.TransferAdmin(who, to); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": to.String()})
}

// pageParams reads the shared pagination query parameters: limit (capped)
// and an optional int64 cursor under the given name.
func pageParams(c *gin.Context, cursorName string) (int, *int64, bool) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return 0, nil, false
		}
		if v > 500 {
			v = 500
		}
		limit = v
	}
	var cursor *int64
	if raw := c.Query(cursorName); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": cursorName + " must be an integer"})
			return 0, nil, false
		}
		cursor = &v
	}
	return limit, cursor, true
}

func (s *Server) getOwnerStreams(c *gin.Context) {
	owner, err := stream.ParsePrincipal(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, afterStart, ok := pageParams(c, "after_start")
	if !ok {
		return
	}

	streams, err := s.queries.ListStreamsByOwner(c.Request.Context(), owner.String(), limit, afterStart)
	if err != nil {
		s.log.Error().Err(err).Msg("list streams by owner")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":   owner.String(),
		"streams": streams,
		"count":   len(streams),
	})
}

func (s *Server) getStreamEvents(c *gin.Context) {
	id, ok := pathStreamID(c)
	if !ok {
		return
	}
	limit, before, ok := pageParams(c, "before")
	if !ok {
		return
	}

	events, err := s.queries.StreamEvents(c.Request.Context(), id.String(), limit, before)
	if err != nil {
		s.log.Error().Err(err).Msg("stream events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": id.String(),
		"events":    events,
		"count":     len(events),
	})
}

func (s *Server) getRecentEvents(c *gin.Context) {
	limit, before, ok := pageParams(c, "before")
	if !ok {
		return
	}

	events, err := s.queries.RecentEvents(c.Request.Context(), limit, before)
	if err != nil {
		s.log.Error().Err(err).Msg("recent events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
