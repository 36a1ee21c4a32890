// Package handlers exposes the scoring service over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/auth"
	"github.com/example/vqa-verify/internal/repository"
	"github.com/example/vqa-verify/internal/scoring"
	"github.com/example/vqa-verify/internal/usecase"
	"github.com/example/vqa-verify/internal/vqamodel"
	"github.com/example/vqa-verify/internal/wire"
)

// DefaultMaxUploadSize caps one multipart batch body when Options leaves it unset.
const DefaultMaxUploadSize = 512 << 20

// BatchService is the use case surface the handlers depend on.
type BatchService interface {
	ProcessBatch(ctx context.Context, in usecase.BatchInput) (*wire.ProcessResponse, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.ResultLookup, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configures RegisterRoutes.
type Options struct {
	MaxUploadBytes int64
	// UseConfidence is applied when a request omits use_confidence.
	UseConfidence bool
	// Auth guards /process and /result when non-nil.
	Auth   gin.HandlerFunc
	Logger *zap.Logger
}

type badRequestError struct {
	status int
	msg    string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc BatchService, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("handlers")

	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, "/health")
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/stats", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	guarded := router.Group("/")
	if opts.Auth != nil {
		guarded.Use(opts.Auth)
	}

	guarded.POST("/process", func(c *gin.Context) {
		if c.Request.ContentLength > opts.MaxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, wire.ErrorResponse{Error: "upload too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)
		if err := c.Request.ParseMultipartForm(router.MaxMultipartMemory); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, wire.ErrorResponse{Error: "upload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid multipart form"})
			return
		}

		in, err := decodeBatch(c, opts.UseConfidence)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		in.UserID, _ = auth.GetUserID(c.Request.Context())

		resp, err := svc.ProcessBatch(c.Request.Context(), in)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	guarded.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "id is required"})
			return
		}
		userID, _ := auth.GetUserID(c.Request.Context())

		lookup, err := svc.GetResult(c.Request.Context(), userID, requestID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		switch lookup.Status {
		case usecase.StatusDone:
			c.JSON(http.StatusOK, lookup.Response)
		case usecase.StatusProcessing:
			c.JSON(http.StatusAccepted, wire.StatusResponse{RequestID: requestID, Status: lookup.Status})
		default:
			c.JSON(http.StatusOK, wire.StatusResponse{RequestID: requestID, Status: lookup.Status})
		}
	})
}

func decodeBatch(c *gin.Context, useConfidenceDefault bool) (usecase.BatchInput, error) {
	form := c.Request.MultipartForm
	files := form.File[wire.FieldImages]
	if len(files) == 0 {
		return usecase.BatchInput{}, badRequest("at least one image is required")
	}

	req := scoring.Request{
		Questions:       wire.SplitQuestions(form.Value[wire.FieldQuestions]),
		ExpectedAnswers: wire.SplitExpectedAnswers(form.Value[wire.FieldExpectedAnswers]),
		UseConfidence:   useConfidenceDefault,
	}

	var err error
	if req.Weights, err = wire.ParseWeights(param(c, wire.FieldQuestionWeights)); err != nil {
		return usecase.BatchInput{}, badRequest("question_weights: %v", err)
	}
	if raw := param(c, wire.FieldThreshold); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return usecase.BatchInput{}, badRequest("threshold: %v", err)
		}
		req.Threshold = &threshold
	}
	if raw := param(c, wire.FieldUseConfidence); raw != "" {
		if req.UseConfidence, err = strconv.ParseBool(raw); err != nil {
			return usecase.BatchInput{}, badRequest("use_confidence: %v", err)
		}
	}
	if raw := param(c, wire.FieldNormalizeWeights); raw != "" {
		if req.NormalizeWeights, err = strconv.ParseBool(raw); err != nil {
			return usecase.BatchInput{}, badRequest("normalize_weights: %v", err)
		}
	}
	if raw := param(c, wire.FieldBatchSize); raw != "" {
		if req.GenerationBatchSize, err = strconv.Atoi(raw); err != nil {
			return usecase.BatchInput{}, badRequest("batch_size: %v", err)
		}
	}

	req.Images = make([]vqamodel.Image, 0, len(files))
	for _, fh := range files {
		img, err := readImage(fh)
		if err != nil {
			return usecase.BatchInput{}, err
		}
		req.Images = append(req.Images, img)
	}

	return usecase.BatchInput{ModelName: param(c, wire.FieldModelName), Request: req}, nil
}

func readImage(fh *multipart.FileHeader) (vqamodel.Image, error) {
	src, err := fh.Open()
	if err != nil {
		return vqamodel.Image{}, badRequest("unable to open image %s", fh.Filename)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return vqamodel.Image{}, fmt.Errorf("read image %s: %w", fh.Filename, err)
	}
	mime := vqamodel.SniffMIME(data)
	if !vqamodel.IsImage(mime) {
		// formats without a known signature are trusted by their declared type
		if declared := fh.Header.Get("Content-Type"); vqamodel.IsImage(declared) {
			return vqamodel.Image{Name: fh.Filename, Data: data, MIME: declared}, nil
		}
		return vqamodel.Image{}, &badRequestError{
			status: http.StatusUnsupportedMediaType,
			msg:    fmt.Sprintf("%s is not an image (%s)", fh.Filename, mime),
		}
	}
	return vqamodel.Image{Name: fh.Filename, Data: data, MIME: mime}, nil
}

// param reads a field from the query string first, then from the form.
func param(c *gin.Context, name string) string {
	if v, ok := c.GetQuery(name); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(c.PostForm(name))
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var reqErr *badRequestError
	switch {
	case errors.As(err, &reqErr):
		c.JSON(reqErr.status, wire.ErrorResponse{Error: reqErr.msg})
	case errors.Is(err, scoring.ErrConfig):
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "result not found"})
	default:
		logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "an unexpected error occurred"})
	}
}
