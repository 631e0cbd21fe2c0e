package handlers_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/Brownie44l1/lesion-api/internal/handlers"
	"github.com/Brownie44l1/lesion-api/internal/imaging"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/uploads"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inputSize = 3 * 224 * 224

type mockPredictor struct {
	prediction *model.Prediction
	err        error
	paths      []string
}

func (m *mockPredictor) result() (*model.Prediction, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.prediction, nil
}

func (m *mockPredictor) PredictTensor(input []float32) (*model.Prediction, error) {
	return m.result()
}

func (m *mockPredictor) PredictImage(img image.Image) (*model.Prediction, error) {
	return m.result()
}

func (m *mockPredictor) PredictFile(path string) (*model.Prediction, error) {
	m.paths = append(m.paths, path)
	if _, err := imaging.DecodeFile(path); err != nil {
		return nil, err
	}
	return m.result()
}

func (m *mockPredictor) InputSize() int { return inputSize }

func melPrediction() *model.Prediction {
	return &model.Prediction{
		Class:      "mel",
		Confidence: 0.7,
		Predictions: map[string]float32{
			"nv": 0.1, "mel": 0.7, "bkl": 0.05, "bcc": 0.05, "akiec": 0.04, "vasc": 0.03, "df": 0.03,
		},
		ModelVersion: "ham10000-efficientnet-b3-v1",
	}
}

func setup(t *testing.T, p *mockPredictor, maxBytes int64) (*chi.Mux, *uploads.Store) {
	t.Helper()
	manifest, err := labels.Default()
	require.NoError(t, err)

	store, err := uploads.NewStore(filepath.Join(t.TempDir(), "uploads"), maxBytes, 40, 30)
	require.NoError(t, err)

	h, err := handlers.NewHandler(p, manifest, store, "cpu")
	require.NoError(t, err)

	router := chi.NewRouter()
	h.AddRoutes(router)
	return router, store
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := setup(t, &mockPredictor{}, 1<<20)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var res map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, map[string]string{
		"status":        "healthy",
		"model_version": "ham10000-efficientnet-b3-v1",
		"device":        "cpu",
	}, res)
}

func TestLabels(t *testing.T) {
	router, _ := setup(t, &mockPredictor{}, 1<<20)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/labels", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var res labels.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ham10000-efficientnet-b3-v1", res.Version)
	require.Len(t, res.Classes, 7)
	assert.Equal(t, "nv", res.Classes[0].Code)
	assert.Equal(t, "Dermatofibroma", res.Classes[6].Name)
}

func TestPredictTensor(t *testing.T) {
	router, _ := setup(t, &mockPredictor{prediction: melPrediction()}, 1<<20)

	body, err := json.Marshal(model.PredictionRequest{Image: make([]float32, inputSize)})
	require.NoError(t, err)

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "mel", res.Class)
	assert.Len(t, res.Predictions, 7)
}

func TestPredictTensorBadRequests(t *testing.T) {
	router, _ := setup(t, &mockPredictor{prediction: melPrediction()}, 1<<20)

	body, err := json.Marshal(model.PredictionRequest{Image: make([]float32, 12)})
	require.NoError(t, err)
	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("Expected %d values, got 12", inputSize))

	rec = serve(router, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredictTensorInferenceFailure(t *testing.T) {
	router, _ := setup(t, &mockPredictor{err: fmt.Errorf("%w: device lost", model.ErrInference)}, 1<<20)

	body, err := json.Marshal(model.PredictionRequest{Image: make([]float32, inputSize)})
	require.NoError(t, err)

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "Prediction failed", res["error"])
	assert.NotContains(t, res, "class")
}

func TestPredictFromImage(t *testing.T) {
	router, _ := setup(t, &mockPredictor{prediction: melPrediction()}, 1<<20)

	rec := serve(router, multipartRequest(t, "/predict/image", "image", "lesion.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "mel", res.Class)
	assert.InDelta(t, 0.7, res.Confidence, 1e-6)
}

func TestPredictFromImageErrors(t *testing.T) {
	router, _ := setup(t, &mockPredictor{prediction: melPrediction()}, 1<<20)

	rec := serve(router, multipartRequest(t, "/predict/image", "file", "lesion.png", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "'image'")

	rec = serve(router, multipartRequest(t, "/predict/image", "image", "lesion.png", []byte("not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid image format")

	rec = serve(router, httptest.NewRequest(http.MethodPost, "/predict/image", strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadForm(t *testing.T) {
	router, _ := setup(t, &mockPredictor{}, 1<<20)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `name="file"`)
}

var imgSrc = regexp.MustCompile(`<img src="([^"]+)"`)

func TestUploadAndResult(t *testing.T) {
	predictor := &mockPredictor{prediction: melPrediction()}
	router, store := setup(t, predictor, 1<<20)

	rec := serve(router, multipartRequest(t, "/", "file", "my lesion.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	page := rec.Body.String()
	assert.Contains(t, page, "Melanoma")
	assert.Contains(t, page, "High")
	assert.Contains(t, page, "70.00%")
	assert.Less(t, strings.Index(page, "<td>mel</td>"), strings.Index(page, "<td>nv</td>"))

	require.Len(t, predictor.paths, 1)
	stored := filepath.Base(predictor.paths[0])
	assert.True(t, strings.HasSuffix(stored, "_my_lesion.png"))
	assert.FileExists(t, filepath.Join(store.Dir, stored))

	match := imgSrc.FindStringSubmatch(page)
	require.Len(t, match, 2)
	rec = serve(router, httptest.NewRequest(http.MethodGet, match[1], nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	thumb, _, err := image.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 40, thumb.Bounds().Dx())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/result/"+stored+"/bcc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Basal Cell Carcinoma")

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/result/"+stored+"/xyz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/result/missing.png/mel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

var resultLink = regexp.MustCompile(`<a href="(/result/[^"]+)">`)

func TestResultWithProbabilities(t *testing.T) {
	predictor := &mockPredictor{prediction: melPrediction()}
	router, _ := setup(t, predictor, 1<<20)

	rec := serve(router, multipartRequest(t, "/", "file", "spot.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	match := resultLink.FindStringSubmatch(rec.Body.String())
	require.Len(t, match, 2)

	rec = serve(router, httptest.NewRequest(http.MethodGet, html.UnescapeString(match[1]), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, "Melanoma")
	assert.Contains(t, page, "70.00%")
	assert.Contains(t, page, "<td>df</td>")
	assert.Less(t, strings.Index(page, "<td>mel</td>"), strings.Index(page, "<td>nv</td>"))

	stored := filepath.Base(predictor.paths[0])
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/result/"+stored+"/mel?nv=0.2&bkl=0.2&mel=0.6", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page = rec.Body.String()
	assert.Contains(t, page, "60.00%")
	assert.NotContains(t, page, "<td>df</td>")
	assert.Less(t, strings.Index(page, "<td>nv</td>"), strings.Index(page, "<td>bkl</td>"))

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/result/"+stored+"/mel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Class probabilities")

	for _, q := range []string{"mel=abc", "mel=1.5", "nv=-0.1", "mel=NaN"} {
		rec = serve(router, httptest.NewRequest(http.MethodGet, "/result/"+stored+"/mel?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestUploadsDirectoryNotListed(t *testing.T) {
	predictor := &mockPredictor{prediction: melPrediction()}
	router, store := setup(t, predictor, 1<<20)

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir, "someone_else.png"), pngBytes(t), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(store.Dir, "nested"), 0o755))

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/static/uploads/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "someone_else.png")

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/static/uploads/nested", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/static/uploads/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/static/uploads/someone_else.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadRejects(t *testing.T) {
	predictor := &mockPredictor{prediction: melPrediction()}
	router, store := setup(t, predictor, 1024)

	cases := []struct {
		name     string
		field    string
		filename string
		content  []byte
		code     int
		message  string
	}{
		{"missing file", "", "", nil, http.StatusBadRequest, "Choose an image"},
		{"wrong extension", "file", "notes.txt", []byte("hello"), http.StatusBadRequest, "Unsupported file"},
		{"not an image", "file", "fake.jpg", []byte("hello there"), http.StatusBadRequest, "Unsupported file"},
		{"corrupt image", "file", "broken.png", pngBytes(t)[:40], http.StatusBadRequest, "could not be read"},
		{"too large", "file", "big.png", append(pngBytes(t)[:8], make([]byte, 2048)...), http.StatusRequestEntityTooLarge, "too large"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(router, multipartRequest(t, "/", tc.field, tc.filename, tc.content))
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.message)
			assert.Contains(t, rec.Body.String(), `name="file"`)
		})
	}

	assert.Empty(t, predictor.paths)
	entries, err := os.ReadDir(store.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadInferenceFailure(t *testing.T) {
	predictor := &mockPredictor{err: errors.New("out of memory")}
	router, _ := setup(t, predictor, 1<<20)

	rec := serve(router, multipartRequest(t, "/", "file", "lesion.png", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Prediction failed")
	assert.NotContains(t, rec.Body.String(), "Melanoma")
}
