package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mpromonet/gin-stereo-yolo/stereo"
)

const maxUpload = 32 << 20

// Server exposes the pipeline over HTTP.
type Server struct {
	pipeline  *Pipeline
	hub       *Hub
	snapshots *snapshotStore
	cfg       ServerConfig
	logger    *zap.Logger
}

func NewServer(cfg ServerConfig, pipeline *Pipeline, hub *Hub, snapshots *snapshotStore, logger *zap.Logger) *Server {
	return &Server{pipeline: pipeline, hub: hub, snapshots: snapshots, cfg: cfg, logger: logger}
}

func (s *Server) router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	if info, err := os.Stat(s.cfg.Static); err == nil && info.IsDir() {
		r.Use(static.Serve("/", static.LocalFile(s.cfg.Static, false)))
	}

	r.GET("/healthz", s.handleHealth)
	r.GET("/calibration", s.handleCalibration)
	r.POST("/runmodel", s.handleRunModel)
	r.POST("/stereo", s.handleStereo)
	r.GET("/snapshot", s.handleSnapshot)
	r.GET("/depth", s.handleDepth)
	r.GET("/result", s.handleResult)
	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.clientCount()})
}

func (s *Server) handleCalibration(c *gin.Context) {
	rect := s.pipeline.rig.Rect
	c.JSON(http.StatusOK, gin.H{
		"frame":      s.pipeline.FrameSize(),
		"focal":      rect.Focal(),
		"baseline":   rect.Baseline(),
		"horizontal": rect.Horizontal,
		"q":          rect.Q,
		"roi_left":   rect.ROI1,
		"roi_right":  rect.ROI2,
		"sgbm":       s.pipeline.rig.Params,
	})
}

// decodeBody reads an encoded image from the request body.
func decodeBody(c *gin.Context) (gocv.Mat, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpload))
	if err != nil {
		return gocv.NewMat(), err
	}
	if len(body) == 0 {
		return gocv.NewMat(), errors.New("empty body")
	}
	img, err := gocv.IMDecode(body, gocv.IMReadColor)
	if err != nil {
		return img, err
	}
	if img.Empty() {
		return img, errors.New("cannot decode image")
	}
	return img, nil
}

func (s *Server) handleRunModel(c *gin.Context) {
	img, err := decodeBody(c)
	defer img.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := s.pipeline.DetectMono(c.Request.Context(), &img)
	if err != nil {
		s.logger.Error("runmodel", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleStereo(c *gin.Context) {
	img, err := decodeBody(c)
	defer img.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frame, err := s.pipeline.Process(c.Request.Context(), img)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stereo.ErrSizeMismatch) {
			status = http.StatusBadRequest
		}
		s.logger.Warn("stereo", zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer frame.Close()

	if annotated, _ := strconv.ParseBool(c.Query("annotate")); annotated {
		buf, err := encodeJPEG(frame.Annotated)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/jpeg", buf)
		return
	}
	c.JSON(http.StatusOK, frame.Result)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	annotated, _, _ := s.snapshots.latest()
	s.writeJPEG(c, annotated)
}

func (s *Server) handleDepth(c *gin.Context) {
	_, depth, _ := s.snapshots.latest()
	s.writeJPEG(c, depth)
}

func (s *Server) handleResult(c *gin.Context) {
	_, _, result := s.snapshots.latest()
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) writeJPEG(c *gin.Context, buf []byte) {
	if len(buf) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", buf)
}
