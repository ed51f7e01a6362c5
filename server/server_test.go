package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/removebg/config"
	"github.com/chaos-io/removebg/metrics"
	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/rembg/rembgtest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           ":0",
			Mode:           gin.TestMode,
			RequestTimeout: 5 * time.Second,
		},
		Upload:     config.UploadConfig{MaxSize: 2 << 20},
		Processing: config.ProcessingConfig{DefaultModel: "u2netp", MaxSize: 1024},
		CORS:       config.CORSConfig{AllowOrigins: []string{"*"}},
	}
}

func newTestServer(t *testing.T, engine rembg.Engine, cache ResultCache) *Server {
	t.Helper()

	m := metrics.New()
	reg := rembg.NewRegistry(engine, rembg.WithMetrics(m))
	downloads, err := NewDownloadStore(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)

	s, err := New(testConfig(), Deps{
		Pipeline:  rembg.NewPipeline(reg, rembg.WithMetrics(m)),
		Runner:    rembg.NewRunner(reg, rembg.WithMetrics(m)),
		Cache:     cache,
		Downloads: downloads,
		Metrics:   m,
	})
	require.NoError(t, err)
	return s
}

type upload struct {
	field string
	name  string
	data  []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files ...upload) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	return resp
}

func TestAPI_InfoAndHealth(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "removebg", info["api"])
	assert.Len(t, info["models"], 6)
}

func TestAPI_Remove(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	req := multipartRequest(t, "/api/remove", map[string]string{"model": "u2net"},
		upload{field: "file", name: "photo.png", data: rembgtest.PNG(2000, 1000)})
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=removed_bg.png", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 1024, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Zero(t, a)
	_, _, _, a = img.At(512, 256).RGBA()
	assert.Equal(t, uint32(0xffff), a)
}

func TestAPI_RemoveBackgroundColour(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	req := multipartRequest(t, "/api/remove", map[string]string{"bgcolor": "#00FF00", "alpha_matting": "true"},
		upload{field: "file", name: "photo.png", data: rembgtest.PNG(64, 64)})
	rec := serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{0, 0xffff, 0, 0xffff}, []uint32{r, g, b, a})
}

func TestAPI_RemoveErrors(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)
	photo := upload{field: "file", name: "photo.png", data: rembgtest.PNG(16, 16)}

	tests := []struct {
		name   string
		fields map[string]string
		files  []upload
		status int
		errMsg string
	}{
		{"missing file", nil, nil, http.StatusBadRequest, ""},
		{"unknown model", map[string]string{"model": "sam"}, []upload{photo}, http.StatusBadRequest, "u2netp"},
		{"undecodable file", nil, []upload{{field: "file", name: "x.png", data: []byte("nope")}}, http.StatusBadRequest, "invalid image"},
		{"malformed colour", map[string]string{"bgcolor": "12345"}, []upload{photo}, http.StatusBadRequest, "bgcolor"},
		{"bad flag", map[string]string{"alpha_matting": "maybe"}, []upload{photo}, http.StatusBadRequest, "alpha_matting"},
		{"too large", nil, []upload{{field: "file", name: "big.png", data: make([]byte, 2<<20+1)}}, http.StatusRequestEntityTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, multipartRequest(t, "/api/remove", tt.fields, tt.files...))
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.NotEmpty(t, resp.Message)
			if tt.errMsg != "" {
				assert.Contains(t, resp.Error, tt.errMsg)
			}
		})
	}
}

func TestAPI_RemoveServerErrors(t *testing.T) {
	photo := upload{field: "file", name: "photo.png", data: rembgtest.PNG(16, 16)}

	t.Run("inference", func(t *testing.T) {
		s := newTestServer(t, &rembgtest.Engine{PredictErr: errors.New("boom")}, nil)
		rec := serve(s, multipartRequest(t, "/api/remove", nil, photo))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error, "inference failure")
	})

	t.Run("session", func(t *testing.T) {
		s := newTestServer(t, &rembgtest.Engine{SessionErr: errors.New("no weights")}, nil)
		rec := serve(s, multipartRequest(t, "/api/remove", nil, photo))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		s := newTestServer(t, &rembgtest.Engine{PredictDelay: time.Second}, nil)
		s.cfg.Server.RequestTimeout = 20 * time.Millisecond
		rec := serve(s, multipartRequest(t, "/api/remove", nil, photo))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error, "deadline exceeded")
	})
}

func TestAPI_RemoveCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(&config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute})
	defer cache.Close()

	engine := &rembgtest.Engine{}
	s := newTestServer(t, engine, cache)
	photo := upload{field: "file", name: "photo.png", data: rembgtest.PNG(32, 32)}

	first := serve(s, multipartRequest(t, "/api/remove", nil, photo))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := serve(s, multipartRequest(t, "/api/remove", nil, photo))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	// 参数不同不命中
	third := serve(s, multipartRequest(t, "/api/remove", map[string]string{"bgcolor": "FFFFFF"}, photo))
	assert.Equal(t, "MISS", third.Header().Get("X-Cache"))

	assert.Len(t, mr.Keys(), 2)
	mr.FastForward(2 * time.Minute)
	assert.Empty(t, mr.Keys())
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/remove", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(s, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)
	serve(s, multipartRequest(t, "/api/remove", nil, upload{field: "file", name: "a.png", data: rembgtest.PNG(16, 16)}))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `removebg_removals_total{model="u2netp",outcome="success"} 1`)
	assert.Contains(t, rec.Body.String(), `removebg_result_cache_total{result="miss"} 1`)
}

func TestUI_Index(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `action="/ui/remove"`)
	assert.Contains(t, body, `action="/ui/batch"`)
	assert.Contains(t, body, `<option value="u2netp" selected>`)
	assert.Contains(t, body, "bria-rmbg")
}

func TestUI_Remove(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	rec := serve(s, multipartRequest(t, "/ui/remove", map[string]string{"alpha_matting": "on"},
		upload{field: "file", name: "cat.jpg", data: rembgtest.PNG(40, 30)}))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "data:image/png;base64,")
	assert.Contains(t, body, "cat.jpg")

	i := strings.Index(body, "/ui/download/")
	require.Positive(t, i)
	link := body[i : i+len("/ui/download/")+27]

	dl := serve(s, httptest.NewRequest(http.MethodGet, link, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "removed_bg.png")
	_, err := png.Decode(dl.Body)
	assert.NoError(t, err)
}

func TestUI_RemoveErrorsRenderInline(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	rec := serve(s, multipartRequest(t, "/ui/remove", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), msgNoImage)

	rec = serve(s, multipartRequest(t, "/ui/remove", nil, upload{field: "file", name: "x.png", data: []byte("garbage")}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `class="error"`)
	assert.Contains(t, rec.Body.String(), "invalid image")
}

func TestUI_Batch(t *testing.T) {
	engine := &rembgtest.Engine{}
	s := newTestServer(t, engine, nil)

	rec := serve(s, multipartRequest(t, "/ui/batch", nil,
		upload{field: "files", name: "a.png", data: rembgtest.PNG(20, 20)},
		upload{field: "files", name: "broken.png", data: []byte("nope")},
		upload{field: "files", name: "c.png", data: rembgtest.PNG(30, 20)},
	))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "2 of 3 image(s) processed")
	assert.Contains(t, body, "broken.png: invalid image")
	assert.Equal(t, 2, strings.Count(body, `alt="after"`))
	assert.Equal(t, 1, engine.Created())

	rec = serve(s, multipartRequest(t, "/ui/batch", nil))
	assert.Contains(t, rec.Body.String(), msgNoImage)
}

func TestUI_DownloadNotFound(t *testing.T) {
	s := newTestServer(t, &rembgtest.Engine{}, nil)

	for _, id := range []string{"not-a-ksuid", "2HbR4kZ1pW3l9QJgP5Wz8dKx0aB"} {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/ui/download/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestDownloadStore_Sweep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDownloadStore(dir, time.Hour, nil)
	require.NoError(t, err)

	id, err := store.Save([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.png"), nil, 0o644))

	n, err := store.Sweep(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = store.Path(id)
	require.NoError(t, err)

	n, err = store.Sweep(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Path(id)
	assert.ErrorIs(t, err, errDownloadNotFound)
	assert.FileExists(t, filepath.Join(dir, "keep.png"))
}

func TestDownloadStore_Sweeper(t *testing.T) {
	store, err := NewDownloadStore(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)

	assert.Error(t, store.StartSweeper("not a schedule"))
	require.NoError(t, store.StartSweeper("@every 1h"))
	store.Stop()
}

func TestCacheKey(t *testing.T) {
	p := rembg.DefaultParams()
	a := CacheKey([]byte("img"), p)
	assert.Equal(t, a, CacheKey([]byte("img"), p))
	assert.NotEqual(t, a, CacheKey([]byte("img2"), p))

	p.AlphaMatting = true
	assert.NotEqual(t, a, CacheKey([]byte("img"), p))

	q := rembg.DefaultParams().WithBackground(color.RGBA{R: 1, G: 2, B: 3, A: 255})
	assert.Contains(t, CacheKey([]byte("img"), q), "bg=010203")
}

func TestNopCache(t *testing.T) {
	var c ResultCache = NopCache{}
	require.NoError(t, c.Set(context.Background(), "k", []byte("v")))
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}
