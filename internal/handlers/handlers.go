package handlers

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"image"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/Brownie44l1/lesion-api/internal/imaging"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/uploads"

	"github.com/go-chi/chi/v5"
)

//go:embed templates/*.html
var templateFS embed.FS

const uploadsPrefix = "/static/uploads/"

// Predictor is the part of the inference service the handlers call.
type Predictor interface {
	PredictTensor(input []float32) (*model.Prediction, error)
	PredictImage(img image.Image) (*model.Prediction, error)
	PredictFile(path string) (*model.Prediction, error)
	InputSize() int
}

type Handler struct {
	predictor Predictor
	labels    *labels.Manifest
	store     *uploads.Store
	device    string
	pages     *template.Template
}

func NewHandler(predictor Predictor, manifest *labels.Manifest, store *uploads.Store, device string) (*Handler, error) {
	pages, err := template.New("").Funcs(template.FuncMap{
		"percent": func(p float32) string { return fmt.Sprintf("%.2f%%", p*100) },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &Handler{
		predictor: predictor,
		labels:    manifest,
		store:     store,
		device:    device,
		pages:     pages,
	}, nil
}

func (h *Handler) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(h.Health))
	r.Get("/labels", RestHandler(h.Labels))
	r.Post("/predict", RestHandler(h.Predict))
	r.Post("/predict/image", RestHandler(h.PredictFromImage))

	r.Get("/", h.UploadForm)
	r.Post("/", h.Upload)
	r.Get("/result/{filename}/{label}", h.Result)
	r.Get(uploadsPrefix+"{name}", h.ServeUpload)
}

// ServeUpload serves one stored upload or thumbnail. The directory itself is
// never listed.
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	path, ok := h.store.Path(chi.URLParam(r, "name"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

type healthResponse struct {
	Status       string `json:"status"`
	ModelVersion string `json:"model_version"`
	Device       string `json:"device"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) (any, error) {
	return healthResponse{Status: "healthy", ModelVersion: h.labels.Version, Device: h.device}, nil
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) (any, error) {
	return h.labels, nil
}

// Predict classifies a preprocessed tensor posted as JSON.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) (any, error) {
	// Each float takes at most ~16 bytes as JSON text.
	req, err := ParseRequest[model.PredictionRequest](w, r, int64(h.predictor.InputSize())*16+1024)
	if err != nil {
		return nil, err
	}

	if want := h.predictor.InputSize(); len(req.Image) != want {
		return nil, CodedErrorf(http.StatusBadRequest, "Expected %d values, got %d", want, len(req.Image))
	}

	return h.predict(func() (*model.Prediction, error) { return h.predictor.PredictTensor(req.Image) })
}

// PredictFromImage classifies an image posted as multipart field "image".
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.store.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(h.store.MaxBytes); err != nil {
		return nil, formError(err)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "No image file provided. Use 'image' as the form field name")
	}
	defer file.Close()

	if header.Size > h.store.MaxBytes {
		return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "image exceeds %d bytes", h.store.MaxBytes)
	}

	img, format, err := imaging.Decode(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG, GIF, WebP")
	}

	slog.Debug("received image",
		"file", header.Filename,
		"bytes", header.Size,
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	return h.predict(func() (*model.Prediction, error) { return h.predictor.PredictImage(img) })
}

func (h *Handler) predict(run func() (*model.Prediction, error)) (*model.Prediction, error) {
	result, err := run()
	if err != nil {
		if errors.Is(err, model.ErrInputSize) || errors.Is(err, imaging.ErrUndecodable) {
			return nil, CodedError(http.StatusBadRequest, err)
		}
		slog.Error("prediction error", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "Prediction failed")
	}
	return result, nil
}

func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", maxErr.Limit)
	}
	return CodedErrorf(http.StatusBadRequest, "Failed to parse form")
}

type uploadView struct {
	Error string
}

type probabilityView struct {
	Code        string
	Name        string
	Probability float32
}

type resultView struct {
	ImageURL      string
	Label         string
	Lesion        labels.Lesion
	Confidence    float32
	Probabilities []probabilityView
	ModelVersion  string
	Permalink     string
}

func (h *Handler) UploadForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "upload.html", uploadView{})
}

// Upload stores the posted file, classifies it and renders the result page.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.store.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(h.store.MaxBytes); err != nil {
		h.renderUploadError(w, formError(err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.renderUploadError(w, CodedErrorf(http.StatusBadRequest, "Choose an image to upload"))
		return
	}
	defer file.Close()

	upload, err := h.store.Save(header.Filename, file)
	if err != nil {
		h.renderUploadError(w, uploadError(err))
		return
	}

	prediction, err := h.predictor.PredictFile(upload.Path)
	if err != nil {
		slog.Error("prediction error", "file", upload.Name, "error", err)
		h.renderUploadError(w, CodedErrorf(http.StatusInternalServerError, "Prediction failed"))
		return
	}

	lesion, _ := h.labels.Lesion(prediction.Class)

	view := resultView{
		ImageURL:     uploadsPrefix + url.PathEscape(upload.ThumbName),
		Label:        prediction.Class,
		Lesion:       lesion,
		Confidence:   prediction.Confidence,
		ModelVersion: prediction.ModelVersion,
	}
	view.Probabilities = h.probabilityViews(prediction.Ranked())
	view.Permalink = resultURL(upload.Name, prediction)

	slog.Info("classified upload", "file", upload.Name, "class", prediction.Class, "confidence", prediction.Confidence)
	h.render(w, http.StatusOK, "result.html", view)
}

// Result re-renders the result page for a stored upload and label.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	label := chi.URLParam(r, "label")

	lesion, ok := h.labels.Lesion(label)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown label %q", label), http.StatusNotFound)
		return
	}
	if _, ok := h.store.Path(filename); !ok {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}

	ranked, err := h.queryProbabilities(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	view := resultView{
		ImageURL:     uploadsPrefix + url.PathEscape(filename),
		Label:        label,
		Lesion:       lesion,
		ModelVersion: h.labels.Version,
	}
	for _, p := range ranked {
		if p.Code == label {
			view.Confidence = p.Probability
		}
	}
	view.Probabilities = h.probabilityViews(ranked)
	h.render(w, http.StatusOK, "result.html", view)
}

// queryProbabilities reads per-class probabilities keyed by label code from
// the query string and ranks them highest first, ties in manifest order.
// Unknown keys are ignored.
func (h *Handler) queryProbabilities(q url.Values) ([]model.ClassProbability, error) {
	var ranked []model.ClassProbability
	for _, code := range h.labels.Codes() {
		raw := q.Get(code)
		if raw == "" {
			continue
		}
		p, err := strconv.ParseFloat(raw, 32)
		if err != nil || math.IsNaN(p) || p < 0 || p > 1 {
			return nil, fmt.Errorf("invalid probability %q for %s", raw, code)
		}
		ranked = append(ranked, model.ClassProbability{Code: code, Probability: float32(p)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})
	return ranked, nil
}

func (h *Handler) probabilityViews(ranked []model.ClassProbability) []probabilityView {
	views := make([]probabilityView, 0, len(ranked))
	for _, p := range ranked {
		l, _ := h.labels.Lesion(p.Code)
		views = append(views, probabilityView{Code: p.Code, Name: l.Name, Probability: p.Probability})
	}
	return views
}

// resultURL links back to the result page with the probabilities attached.
func resultURL(filename string, p *model.Prediction) string {
	q := url.Values{}
	for code, prob := range p.Predictions {
		q.Set(code, strconv.FormatFloat(float64(prob), 'f', -1, 32))
	}
	return "/result/" + url.PathEscape(filename) + "/" + url.PathEscape(p.Class) + "?" + q.Encode()
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, uploads.ErrEmptyName):
		return CodedErrorf(http.StatusBadRequest, "Choose an image to upload")
	case errors.Is(err, uploads.ErrUnsupportedType):
		return CodedErrorf(http.StatusBadRequest, "Unsupported file. Upload a PNG, JPEG or WebP image")
	case errors.Is(err, uploads.ErrTooLarge):
		return CodedErrorf(http.StatusRequestEntityTooLarge, "Image is too large")
	case errors.Is(err, imaging.ErrUndecodable):
		return CodedErrorf(http.StatusBadRequest, "The file could not be read as an image")
	default:
		slog.Error("error storing upload", "error", err)
		return CodedErrorf(http.StatusInternalServerError, "Failed to store upload")
	}
}

func (h *Handler) renderUploadError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var cerr *codedError
	if errors.As(err, &cerr) {
		code = cerr.code
	}
	h.render(w, code, "upload.html", uploadView{Error: err.Error()})
}

func (h *Handler) render(w http.ResponseWriter, code int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := h.pages.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("error rendering template", "template", name, "error", err)
	}
}
