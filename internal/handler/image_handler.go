package handler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/image-attribute-api/internal/dto"
	"github.com/noah-isme/image-attribute-api/internal/middleware"
	"github.com/noah-isme/image-attribute-api/internal/models"
	"github.com/noah-isme/image-attribute-api/internal/service"
	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
	"github.com/noah-isme/image-attribute-api/pkg/response"
)

const (
	uploadField = "image"
	// multipart framing allowance on top of the file size limit
	multipartOverhead = 1 << 20
)

type imageIngester interface {
	Ingest(ctx context.Context, upload service.ImageUpload) (*models.Image, error)
}

type imageCatalog interface {
	Search(ctx context.Context, req dto.SearchImagesRequest) (*service.SearchResult, error)
	Get(ctx context.Context, id int64) (*dto.ImageResponse, error)
	OpenFile(ctx context.Context, id int64, token string) (*service.ImageFile, error)
	Delete(ctx context.Context, id int64) error
}

type imageExporter interface {
	Export(ctx context.Context, req dto.ExportImagesRequest) (*dto.ExportFile, error)
}

// ImageHandler serves image ingestion and catalog endpoints.
type ImageHandler struct {
	ingestion     imageIngester
	catalog       imageCatalog
	exporter      imageExporter
	maxUploadSize int64
}

// NewImageHandler constructs the handler. maxUploadSize bounds the request body.
func NewImageHandler(ingestion imageIngester, catalog imageCatalog, exporter imageExporter, maxUploadSize int64) *ImageHandler {
	return &ImageHandler{ingestion: ingestion, catalog: catalog, exporter: exporter, maxUploadSize: maxUploadSize}
}

// Upload godoc
// @Summary Upload an image for attribute extraction
// @Tags Images
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param image formData file true "Image (jpeg, png, gif)"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /images [post]
func (h *ImageHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, fieldError(fmt.Sprintf("image exceeds %d bytes limit", h.maxUploadSize), uploadField))
			return
		}
		response.Error(c, fieldError("image is required", uploadField))
		return
	}
	files := form.File[uploadField]
	if len(files) != 1 {
		response.Error(c, fieldError("exactly one image is required", uploadField))
		return
	}
	header := files[0]
	src, err := header.Open()
	if err != nil {
		response.Error(c, appErrors.Internal(err, "failed to open uploaded image"))
		return
	}
	defer src.Close()

	image, err := h.ingestion.Ingest(c.Request.Context(), service.ImageUpload{
		Filename: header.Filename,
		Size:     header.Size,
		Content:  src,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, image)
}

// Search godoc
// @Summary Search images by attributes
// @Tags Images
// @Produce json
// @Param hair_color query string false "Substring of the Hair Color attribute"
// @Param eye_color query string false "Substring of the Eye Color attribute"
// @Param tattoos query bool false "Only images with Tattoos = Yes"
// @Param earrings query bool false "Only images with Earrings = Yes"
// @Success 200 {object} response.Envelope
// @Router /images [get]
func (h *ImageHandler) Search(c *gin.Context) {
	req, ok := bindSearch(c)
	if !ok {
		return
	}
	result, err := h.catalog.Search(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, result.CacheHit)
	middleware.SetMeta(c, "filters", result.Filters)
	middleware.SetMeta(c, "count", len(result.Images))
	response.JSON(c, http.StatusOK, result.Images, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export search results
// @Tags Images
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv (default) or pdf"
// @Param hair_color query string false "Substring of the Hair Color attribute"
// @Param eye_color query string false "Substring of the Eye Color attribute"
// @Param tattoos query bool false "Only images with Tattoos = Yes"
// @Param earrings query bool false "Only images with Earrings = Yes"
// @Success 200 {file} file
// @Router /images/export [get]
func (h *ImageHandler) Export(c *gin.Context) {
	req, ok := bindSearch(c)
	if !ok {
		return
	}
	file, err := h.exporter.Export(c.Request.Context(), dto.ExportImagesRequest{
		SearchImagesRequest: req,
		Format:              c.Query("format"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename}))
	c.Data(http.StatusOK, file.ContentType, file.Content)
}

// Get godoc
// @Summary Get one image with attributes
// @Tags Images
// @Produce json
// @Param id path int true "Image ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /images/{id} [get]
func (h *ImageHandler) Get(c *gin.Context) {
	id, err := imageIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	image, err := h.catalog.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, image)
}

// Download godoc
// @Summary Download the stored image via signed token
// @Tags Images
// @Produce image/jpeg
// @Produce image/png
// @Produce image/gif
// @Param id path int true "Image ID"
// @Param token query string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /images/{id}/file [get]
func (h *ImageHandler) Download(c *gin.Context) {
	id, err := imageIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.catalog.OpenFile(c.Request.Context(), id, c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": file.Filename}))
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

// Delete godoc
// @Summary Delete an image and its attributes
// @Tags Images
// @Security BearerAuth
// @Param id path int true "Image ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /images/{id} [delete]
func (h *ImageHandler) Delete(c *gin.Context) {
	id, err := imageIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.catalog.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func bindSearch(c *gin.Context) (dto.SearchImagesRequest, bool) {
	var req dto.SearchImagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid search filters"))
		return req, false
	}
	req.Tattoos = parseFlag(c, "tattoos")
	req.Earrings = parseFlag(c, "earrings")
	for _, param := range service.FilterParams() {
		if raw, ok := c.GetQuery(param); ok {
			if req.Supplied == nil {
				req.Supplied = make(map[string]string)
			}
			req.Supplied[param] = raw
		}
	}
	return req, true
}

func fieldError(message, field string) error {
	return appErrors.WithField(appErrors.Clone(appErrors.ErrValidation, message), field)
}
