package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
	"github.com/Brownie44l1/plant-disease-api/internal/metrics"
	"github.com/Brownie44l1/plant-disease-api/internal/model"
)

const defaultMaxUploadBytes = 10 << 20

type Handler struct {
	predictor      *model.Predictor
	log            *zap.Logger
	metrics        *metrics.Metrics
	maxUploadBytes int64
}

type Option func(h *Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandler builds the HTTP handlers. A nil predictor is allowed; every
// prediction then fails with model_not_loaded.
func NewHandler(predictor *model.Predictor, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		predictor:      predictor,
		log:            log,
		maxUploadBytes: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/classes", h.Classes)
	r.POST("/predict", h.PredictFromImage)
	r.POST("/predict/tensor", h.Predict)
}

type predictQuery struct {
	TopK int `form:"top_k,default=3" binding:"min=1,max=10"`
}

type classEntry struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

func (h *Handler) Health(c *gin.Context) {
	if !h.predictor.Loaded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"model":   h.predictor.ModelPath(),
		"classes": len(h.predictor.Classes()),
	})
}

func (h *Handler) Classes(c *gin.Context) {
	if !h.predictor.Loaded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"message": "model not loaded",
			"kind":    apperrors.KindModelNotLoaded,
		})
		return
	}

	classes := h.predictor.Classes()
	entries := make([]classEntry, 0, len(classes))
	for _, i := range classes.Indices() {
		entries = append(entries, classEntry{Index: i, Label: classes[i]})
	}

	c.JSON(http.StatusOK, gin.H{"classes": entries})
}

// PredictFromImage classifies a multipart image upload.
func (h *Handler) PredictFromImage(c *gin.Context) {
	start := time.Now()

	topK, err := bindTopK(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	data, filename, err := readUpload(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.failWithStatus(c, http.StatusRequestEntityTooLarge, apperrors.Newf(apperrors.KindValidation,
				"upload", "upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		h.fail(c, err)
		return
	}

	inferStart := time.Now()
	predictions, err := h.predictor.Predict(c.Request.Context(), data, topK)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.metrics.ObserveInference(time.Since(inferStart))

	h.log.Info("prediction served",
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("filename", filename),
		zap.String("image_hash", fingerprint(data)),
		zap.Int("top_k", topK),
		zap.Duration("latency", time.Since(start)),
	)
	h.metrics.ObservePrediction("ok")

	c.JSON(http.StatusOK, model.PredictionResponse{Predictions: predictions})
}

// Predict classifies an already preprocessed NHWC batch sent as JSON.
func (h *Handler) Predict(c *gin.Context) {
	topK, err := bindTopK(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	var req model.TensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.Wrap(apperrors.KindValidation, "predict_tensor", "invalid JSON", err))
		return
	}

	start := time.Now()
	predictions, err := h.predictor.PredictTensor(c.Request.Context(), req.Input, topK)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.metrics.ObserveInference(time.Since(start))
	h.metrics.ObservePrediction("ok")
	c.JSON(http.StatusOK, model.PredictionResponse{Predictions: predictions})
}

func bindTopK(c *gin.Context) (int, error) {
	var q predictQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		return 0, apperrors.Wrap(apperrors.KindValidation, "top_k",
			fmt.Sprintf("top_k must be an integer between %d and %d", model.MinTopK, model.MaxTopK), err)
	}
	return q.TopK, nil
}

// readUpload returns the bytes of the "file" form field, accepting "image"
// as an alias.
func readUpload(c *gin.Context) ([]byte, string, error) {
	file, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, err = c.FormFile("image")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", err
		}
		return nil, "", apperrors.Wrap(apperrors.KindValidation, "upload",
			"no image file provided, use 'file' as the form field name", err)
	}

	data, err := readFileContent(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", err
		}
		return nil, "", apperrors.Wrap(apperrors.KindValidation, "upload", "failed to read file", err)
	}

	return data, file.Filename, nil
}

func readFileContent(file *multipart.FileHeader) ([]byte, error) {
	content, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer content.Close()

	return io.ReadAll(content)
}

func (h *Handler) fail(c *gin.Context, err error) {
	h.failWithStatus(c, statusFor(apperrors.KindOf(err)), err)
}

func (h *Handler) failWithStatus(c *gin.Context, status int, err error) {
	kind := apperrors.KindOf(err)

	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", fields...)
	} else {
		h.log.Warn("request rejected", fields...)
	}
	h.metrics.ObservePrediction(string(kind))

	c.AbortWithStatusJSON(status, gin.H{
		"message": apperrors.MessageOf(err),
		"kind":    kind,
	})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusUnprocessableEntity
	case apperrors.KindDecode:
		return http.StatusBadRequest
	case apperrors.KindModelNotLoaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
