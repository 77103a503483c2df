package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
)

// newEngineClientForUpload points at the fixture's fake engine, which
// accepts upload forwards unless rejectUploads is set
func newEngineClientForUpload(t *testing.T, f *fixture) *engine.Client {
	t.Helper()
	return engine.NewClient(&f.config.Engine, common.GetLogger())
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadStoresImage(t *testing.T) {
	f := newFixture(t)
	h := NewUploadHandler(&f.config.Uploads, newEngineClientForUpload(t, f), common.GetLogger())

	body, contentType := multipartBody(t, "image", "photo.png", []byte("pngdata"))
	req := httptest.NewRequest(http.MethodPost, "/upload/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.HandleUpload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	name, _ := resp["filename"].(string)
	require.NotEmpty(t, name)
	assert.Equal(t, ".png", filepath.Ext(name))

	// The engine-side location comes back alongside the local name
	engineSide, ok := resp["engine"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, name, engineSide["name"])

	data, err := os.ReadFile(filepath.Join(f.config.Uploads.Dir, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("pngdata"), data)
}

func TestUploadRemovesLocalFileOnEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.engine.rejectUploads = true
	h := NewUploadHandler(&f.config.Uploads, newEngineClientForUpload(t, f), common.GetLogger())

	body, contentType := multipartBody(t, "image", "photo.png", []byte("pngdata"))
	req := httptest.NewRequest(http.MethodPost, "/upload/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.HandleUpload(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// No orphaned local copy survives a failed forward
	entries, err := os.ReadDir(f.config.Uploads.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	f := newFixture(t)
	h := NewUploadHandler(&f.config.Uploads, newEngineClientForUpload(t, f), common.GetLogger())

	body, contentType := multipartBody(t, "image", "malicious.exe", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/upload/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.HandleUpload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadMissingFileField(t *testing.T) {
	f := newFixture(t)
	h := NewUploadHandler(&f.config.Uploads, newEngineClientForUpload(t, f), common.GetLogger())

	body, contentType := multipartBody(t, "wrong_field", "photo.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/upload/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.HandleUpload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
