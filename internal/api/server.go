package api

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cube-engine/internal/auth"
	"cube-engine/internal/common"
	"cube-engine/internal/cube"
	"cube-engine/internal/logger"
	"cube-engine/internal/query"
	"cube-engine/internal/storage/batch"
)

// Options configures a Server
type Options struct {
	// Authenticator guards /api/v1 when set
	Authenticator auth.Authenticator
	QueryTimeout  time.Duration
	Logger        *slog.Logger
	Version       string
}

// Server exposes one cube over HTTP
type Server struct {
	cube    *cube.Cube
	auth    auth.Authenticator
	timeout time.Duration
	log     *slog.Logger
	version string
	started time.Time
	router  *gin.Engine
}

// NewServer creates the server and its routes
func NewServer(c *cube.Cube, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		cube:    c,
		auth:    opts.Authenticator,
		timeout: timeout,
		log:     log,
		version: version,
		started: time.Now(),
	}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(s.log), cors())

	r.GET("/health", s.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if s.auth != nil {
		v1.Use(authenticate(s.auth))
	}
	read := permit(s.auth, auth.PermissionRead)
	write := permit(s.auth, auth.PermissionWrite)

	v1.GET("/schema", read, s.getSchema)
	v1.POST("/query", read, s.executeQuery)
	v1.GET("/cache/stats", read, s.cacheStats)
	v1.GET("/history", read, s.history)

	v1.PUT("/cache", write, s.configureCache)
	v1.DELETE("/cache", write, s.clearCache)
	v1.POST("/rows/delete", write, s.deleteRows)
	v1.POST("/consolidate", write, s.consolidate)

	return r
}

// healthCheck handles health check requests
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"cube":      s.cube.Name(),
		"epoch":     s.cube.Epoch(),
		"rows":      s.cube.RowCount(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

func (s *Server) getSchema(c *gin.Context) {
	c.JSON(http.StatusOK, s.cube.Schema())
}

// QueryRequest is the JSON form of a query. Verbs are applied in field
// order: select, filter, slice, dice, group_by, roll_up, drill_down,
// order_by, limit, offset. Query, when set, is the textual form and the
// other fields must be empty.
type QueryRequest struct {
	Query     string            `json:"query,omitempty"`
	Select    []string          `json:"select,omitempty"`
	Filter    []string          `json:"filter,omitempty"`
	Slice     *SliceRequest     `json:"slice,omitempty"`
	Dice      []query.DicePair  `json:"dice,omitempty"`
	GroupBy   []string          `json:"group_by,omitempty"`
	RollUp    []string          `json:"roll_up,omitempty"`
	DrillDown *DrillDownRequest `json:"drill_down,omitempty"`
	OrderBy   []string          `json:"order_by,omitempty"`
	Limit     *int              `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// SliceRequest fixes one dimension to a value
type SliceRequest struct {
	Dimension string      `json:"dimension"`
	Value     interface{} `json:"value"`
}

// DrillDownRequest descends a hierarchy to a level
type DrillDownRequest struct {
	Hierarchy string `json:"hierarchy"`
	Level     string `json:"level"`
}

// QueryResponse is the result of a query
type QueryResponse struct {
	QueryID       string          `json:"query_id"`
	Columns       []string        `json:"columns"`
	Rows          [][]interface{} `json:"rows"`
	RowCount      int64           `json:"row_count"`
	Cached        bool            `json:"cached"`
	Epoch         uint64          `json:"epoch"`
	SchemaVersion uint64          `json:"schema_version"`
	DurationMS    float64         `json:"duration_ms"`
}

// structured reports whether any clause other than Query is set
func (r *QueryRequest) structured() bool {
	return len(r.Select) > 0 || len(r.Filter) > 0 || r.Slice != nil || len(r.Dice) > 0 ||
		len(r.GroupBy) > 0 || len(r.RollUp) > 0 || r.DrillDown != nil || len(r.OrderBy) > 0 ||
		r.Limit != nil || r.Offset != 0
}

func (s *Server) builder(req QueryRequest) (*query.Builder, error) {
	if req.Query != "" {
		if req.structured() {
			return nil, common.NewError(common.ErrInvalidInput, "query text cannot be combined with structured clauses")
		}
		return s.cube.ParseQuery(req.Query), nil
	}

	b := s.cube.Query().Select(req.Select...)
	for _, f := range req.Filter {
		b.Filter(f)
	}
	if req.Slice != nil {
		b.Slice(req.Slice.Dimension, jsonValue(req.Slice.Value))
	}
	if len(req.Dice) > 0 {
		pairs := make([]query.DicePair, len(req.Dice))
		for i, p := range req.Dice {
			pairs[i] = query.DicePair{Dimension: p.Dimension, Value: jsonValue(p.Value)}
		}
		b.Dice(pairs...)
	}
	if len(req.GroupBy) > 0 {
		b.GroupBy(req.GroupBy...)
	}
	if len(req.RollUp) > 0 {
		b.RollUp(req.RollUp...)
	}
	if req.DrillDown != nil {
		b.DrillDown(req.DrillDown.Hierarchy, req.DrillDown.Level)
	}
	if len(req.OrderBy) > 0 {
		b.OrderBy(req.OrderBy...)
	}
	if req.Limit != nil {
		b.Limit(*req.Limit)
	}
	if req.Offset != 0 {
		b.Offset(req.Offset)
	}
	return b, nil
}

// jsonValue turns whole JSON numbers into integers so they compare and
// cache the same way as integer values passed from Go
func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = jsonValue(item)
		}
		return out
	}
	return v
}

// executeQuery handles query execution requests
func (s *Server) executeQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	b, err := s.builder(req)
	if err != nil {
		abort(c, "Invalid query", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	queryID := c.GetString(requestIDKey)
	res, err := s.cube.Execute(ctx, b)
	if err != nil {
		s.log.Warn("query failed", "query_id", queryID, "error", err)
		abort(c, "Query failed", err)
		return
	}

	rows := res.Rows()
	c.JSON(http.StatusOK, QueryResponse{
		QueryID:       queryID,
		Columns:       res.Columns(),
		Rows:          rows,
		RowCount:      res.NumRows,
		Cached:        res.CacheHit,
		Epoch:         res.Epoch,
		SchemaVersion: res.SchemaVersion,
		DurationMS:    float64(res.Duration.Microseconds()) / 1000,
	})
}

func (s *Server) cacheStats(c *gin.Context) {
	stats := s.cube.CacheStats()
	c.JSON(http.StatusOK, gin.H{
		"stats":    stats,
		"hit_rate": stats.HitRate(),
		"bytes":    common.FormatBytes(stats.ApproxBytes),
	})
}

// CacheRequest changes the cache configuration. Absent fields are left alone.
type CacheRequest struct {
	Enabled    *bool `json:"enabled,omitempty"`
	MaxEntries *int  `json:"max_entries,omitempty"`
}

func (s *Server) configureCache(c *gin.Context) {
	var req CacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}
	if req.MaxEntries != nil {
		if err := s.cube.ResizeCache(*req.MaxEntries); err != nil {
			abort(c, "Invalid cache size", err)
			return
		}
	}
	if req.Enabled != nil {
		s.cube.SetCacheEnabled(*req.Enabled)
	}
	c.JSON(http.StatusOK, gin.H{"stats": s.cube.CacheStats()})
}

func (s *Server) clearCache(c *gin.Context) {
	s.cube.ClearCache()
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "stats": s.cube.CacheStats()})
}

// DeleteRequest removes the rows matching a predicate
type DeleteRequest struct {
	Predicate string `json:"predicate" binding:"required"`
}

func (s *Server) deleteRows(c *gin.Context) {
	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	deleted, err := s.cube.Delete(c.Request.Context(), req.Predicate)
	if err != nil {
		abort(c, "Delete failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted": deleted,
		"epoch":   s.cube.Epoch(),
		"rows":    s.cube.RowCount(),
	})
}

func (s *Server) consolidate(c *gin.Context) {
	before, after, err := s.cube.Consolidate()
	if err != nil {
		abort(c, "Consolidation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batches_before": before,
		"batches_after":  after,
		"epoch":          s.cube.Epoch(),
	})
}

// history lists retained mutations. ?epoch=N returns only the mutation that
// published N; ?since= and ?until= (RFC 3339) bound the timestamps.
func (s *Server) history(c *gin.Context) {
	stats := s.cube.HistoryStats()

	if raw := c.Query("epoch"); raw != "" {
		epoch, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			abort(c, "Invalid epoch", common.NewErrorWithCause(common.ErrInvalidInput, "epoch must be an unsigned integer", err))
			return
		}
		rec, err := s.cube.HistoryAt(epoch)
		if err != nil {
			abort(c, "Epoch not found", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"mutations": []batch.MutationRecord{*rec}, "stats": stats})
		return
	}

	since, err := timeParam(c, "since")
	if err != nil {
		abort(c, "Invalid since", err)
		return
	}
	until, err := timeParam(c, "until")
	if err != nil {
		abort(c, "Invalid until", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutations": s.cube.HistoryRange(since, until), "stats": stats})
}

func timeParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, common.NewErrorWithCause(common.ErrInvalidInput, name+" must be an RFC 3339 timestamp", err)
	}
	return t, nil
}
