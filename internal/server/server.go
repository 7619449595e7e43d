package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flipbook/internal/models"
)

type Store interface {
	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (models.Video, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	db     Store
	log    *logrus.Entry
	http   *http.Server
}

func NewServer(cfg *models.Config, db Store, log *logrus.Entry) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.MaxMultipartMemory = 8 << 20

	s := &Server{cfg: cfg, router: r, db: db, log: log}

	r.POST("/videos", s.handleUpload)
	r.POST("/videos/:id/jobs", s.handleSubmitJob)
	r.GET("/jobs/:id", s.handleGetJob)
	r.GET("/jobs/:id/pdf", s.handleGetPDF)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.ServerAddr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Debug("request")
	}
}

func idHex(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// sanitizeExt lower-cases ext and keeps only [0-9a-z].
func sanitizeExt(ext string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ext) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isVideo(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	mt, err := mimetype.DetectReader(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if !isVideo(mt) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("not a video: %s", mt.String())})
		return
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	ext := sanitizeExt(filepath.Ext(file.Filename))
	if ext == "" {
		ext = sanitizeExt(mt.Extension())
	}
	id := uuid.New()
	videoPath := filepath.Join(s.cfg.VideoDir(), idHex(id)+"."+ext)
	if err := writeFile(videoPath, src); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	video := models.Video{ID: id, StoragePath: &videoPath}
	if err := s.db.CreateVideo(c.Request.Context(), &video); err != nil {
		_ = os.Remove(videoPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	s.log.WithFields(logrus.Fields{"video_id": id, "mime": mt.String(), "size": file.Size}).Info("video uploaded")
	c.JSON(http.StatusCreated, gin.H{"id": id.String()})
}

// writeFile copies src to path through a temporary file in the same
// directory, so path never holds a partial upload.
func writeFile(path string, src io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, src); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type submitRequest struct {
	models.LayoutRequest
	CopyFrom *uuid.UUID `json:"copy_from"`
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	const op = "server.handleSubmitJob"
	ctx := c.Request.Context()

	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	video, err := s.db.GetVideo(ctx, videoID)
	if err != nil {
		s.storeError(c, op, err)
		return
	}
	if video.StoragePath == nil {
		c.JSON(http.StatusGone, gin.H{"error": "video has been deleted"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var base *models.LayoutOptions
	if req.CopyFrom != nil {
		prev, err := s.db.GetJob(ctx, *req.CopyFrom)
		if err != nil {
			s.storeError(c, op, err)
			return
		}
		base = &prev.Options
	}

	opts, err := req.LayoutRequest.Resolve(base)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	id := uuid.New()
	outputPath := filepath.Join(s.cfg.PDFDir(), idHex(id)+".pdf")
	job := models.Job{
		ID:         id,
		VideoID:    videoID,
		OutputPath: &outputPath,
		Options:    opts,
	}
	if err := s.db.CreateJob(ctx, &job); err != nil {
		s.storeError(c, op, err)
		return
	}

	s.log.WithFields(logrus.Fields{"job_id": id, "video_id": videoID}).Info("job submitted")
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	const op = "server.handleGetJob"
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	job, err := s.db.GetJob(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetPDF(c *gin.Context) {
	const op = "server.handleGetPDF"
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	job, err := s.db.GetJob(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, op, err)
		return
	}
	if job.Status == models.StatusDeleted || (job.Status == models.StatusFinished && job.OutputPath == nil) {
		c.JSON(http.StatusGone, gin.H{"status": job.Status})
		return
	}
	if job.Status != models.StatusFinished {
		c.JSON(http.StatusConflict, gin.H{"status": job.Status, "stage": job.Stage})
		return
	}
	if _, err := os.Stat(*job.OutputPath); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": "document is no longer available"})
		return
	}

	if c.Query("download") == "true" {
		c.FileAttachment(*job.OutputPath, "flipbook_"+idHex(job.ID)+".pdf")
		return
	}
	c.Header("Content-Type", "application/pdf")
	c.File(*job.OutputPath)
}

func (s *Server) storeError(c *gin.Context, op string, err error) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.log.WithError(err).WithField("op", op).Error("store error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
}
