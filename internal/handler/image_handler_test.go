package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/image-attribute-api/internal/dto"
	"github.com/noah-isme/image-attribute-api/internal/middleware"
	"github.com/noah-isme/image-attribute-api/internal/models"
	"github.com/noah-isme/image-attribute-api/internal/service"
	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
)

type ingesterMock struct {
	resp     *models.Image
	err      error
	called   bool
	received []byte
}

func (m *ingesterMock) Ingest(ctx context.Context, upload service.ImageUpload) (*models.Image, error) {
	m.called = true
	m.received, _ = io.ReadAll(upload.Content)
	return m.resp, m.err
}

type catalogMock struct {
	searchReq   dto.SearchImagesRequest
	searchResp  *service.SearchResult
	getID       int64
	fileID      int64
	fileToken   string
	fileResp    *service.ImageFile
	deletedID   int64
	err         error
	searchCalls int
}

func (m *catalogMock) Search(ctx context.Context, req dto.SearchImagesRequest) (*service.SearchResult, error) {
	m.searchCalls++
	m.searchReq = req
	return m.searchResp, m.err
}

func (m *catalogMock) Get(ctx context.Context, id int64) (*dto.ImageResponse, error) {
	m.getID = id
	if m.err != nil {
		return nil, m.err
	}
	return &dto.ImageResponse{Image: models.Image{ID: id}}, nil
}

func (m *catalogMock) OpenFile(ctx context.Context, id int64, token string) (*service.ImageFile, error) {
	m.fileID, m.fileToken = id, token
	return m.fileResp, m.err
}

func (m *catalogMock) Delete(ctx context.Context, id int64) error {
	m.deletedID = id
	return m.err
}

type exporterMock struct {
	req dto.ExportImagesRequest
}

func (m *exporterMock) Export(ctx context.Context, req dto.ExportImagesRequest) (*dto.ExportFile, error) {
	m.req = req
	return &dto.ExportFile{Filename: "images.csv", ContentType: "text/csv; charset=utf-8", Content: []byte("id\n1\n")}, nil
}

func multipartRequest(t *testing.T, files map[string][]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, contents := range files {
		for _, content := range contents {
			part, err := writer.CreateFormFile(field, "photo.png")
			require.NoError(t, err)
			_, err = part.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, "/images", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func TestImageHandlerUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ingester := &ingesterMock{resp: &models.Image{ID: 1, Attributes: []models.ImageAttribute{{Key: "Eye Color", Value: "Blue"}}}}
	h := NewImageHandler(ingester, &catalogMock{}, &exporterMock{}, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = multipartRequest(t, map[string][]string{"image": {"png-bytes"}})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "uploader", Role: models.RoleUploader})

	h.Upload(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []byte("png-bytes"), ingester.received)

	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["id"])
	assert.Equal(t, []interface{}{map[string]interface{}{"key": "Eye Color", "value": "Blue"}}, data["attributes"])
}

func TestImageHandlerUploadRequiresExactlyOneImage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := map[string]map[string][]string{
		"no file":        {},
		"wrong field":    {"file": {"x"}},
		"multiple files": {"image": {"a", "b"}},
	}
	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			ingester := &ingesterMock{}
			h := NewImageHandler(ingester, &catalogMock{}, &exporterMock{}, 1024)
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = multipartRequest(t, files)

			h.Upload(c)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, ingester.called)
			errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
			assert.Equal(t, "VALIDATION_ERROR", errBody["code"])
			assert.Equal(t, "image", errBody["field"])
		})
	}
}

func TestImageHandlerUploadRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewImageHandler(&ingesterMock{err: appErrors.Clone(appErrors.ErrClassificationRejected, "")}, &catalogMock{}, &exporterMock{}, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = multipartRequest(t, map[string][]string{"image": {"x"}})

	h.Upload(c)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "Not a human body or API failed.", errBody["message"])
}

func TestImageHandlerSearch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &catalogMock{searchResp: &service.SearchResult{
		Images:   []dto.ImageResponse{{Image: models.Image{ID: 3}}},
		Filters:  map[string]interface{}{"hair_color": "Bro", "tattoos": true},
		CacheHit: true,
	}}
	h := NewImageHandler(&ingesterMock{}, catalog, &exporterMock{}, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/images?hair_color=Bro&tattoos=YES&earrings=0", nil)

	h.Search(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.SearchImagesRequest{
		HairColor: "Bro",
		Tattoos:   true,
		Supplied:  map[string]string{"hair_color": "Bro", "tattoos": "YES", "earrings": "0"},
	}, catalog.searchReq)

	payload := decodeEnvelope(t, w)
	assert.Len(t, payload["data"], 1)
	meta := payload["meta"].(map[string]interface{})
	assert.Equal(t, float64(1), meta["count"])
	assert.Equal(t, true, meta["cache_hit"])
	assert.Equal(t, map[string]interface{}{"hair_color": "Bro", "tattoos": true}, meta["filters"])
}

func TestParseFlag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for raw, want := range map[string]bool{
		"1": true, "true": true, "On": true, "YES": true,
		"0": false, "false": false, "no": false, "": false, "y": false,
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/images?tattoos="+raw, nil)
		assert.Equal(t, want, parseFlag(c, "tattoos"), raw)
	}
}

func TestImageHandlerExport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exporter := &exporterMock{}
	h := NewImageHandler(&ingesterMock{}, &catalogMock{}, exporter, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/images/export?format=csv&earrings=true", nil)

	h.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", exporter.req.Format)
	assert.True(t, exporter.req.Earrings)
	assert.Equal(t, `attachment; filename=images.csv`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "id\n1\n", w.Body.String())
}

func TestImageHandlerGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &catalogMock{}
	h := NewImageHandler(&ingesterMock{}, catalog, &exporterMock{}, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/images/12", nil)
	c.Params = gin.Params{{Key: "id", Value: "12"}}
	h.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(12), catalog.getID)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/images/abc", nil)
	c.Params = gin.Params{{Key: "id", Value: "abc"}}
	h.Get(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImageHandlerDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &catalogMock{fileResp: &service.ImageFile{Data: []byte("gif"), ContentType: "image/gif", Filename: "a.gif"}}
	h := NewImageHandler(&ingesterMock{}, catalog, &exporterMock{}, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/images/5/file?token=abc.def", nil)
	c.Params = gin.Params{{Key: "id", Value: "5"}}

	h.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), catalog.fileID)
	assert.Equal(t, "abc.def", catalog.fileToken)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Equal(t, "gif", w.Body.String())
}

func TestImageHandlerDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &catalogMock{}
	h := NewImageHandler(&ingesterMock{}, catalog, &exporterMock{}, 1024)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/images/8", nil)
	c.Params = gin.Params{{Key: "id", Value: "8"}}
	h.Delete(c)
	assert.Equal(t, int64(8), catalog.deletedID)
	assert.Equal(t, http.StatusNoContent, c.Writer.Status())

	catalog.err = appErrors.Clone(appErrors.ErrNotFound, "image not found")
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/images/9", nil)
	c.Params = gin.Params{{Key: "id", Value: "9"}}
	h.Delete(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"storage":  func(context.Context) error { return io.ErrUnexpectedEOF },
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ready", nil)
	h.Ready(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	payload := decodeEnvelope(t, w)
	checks := payload["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])
}
