package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/book-expert/vc-service/internal/conversion"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/go-chi/chi/v5"
)

// Form fields and response headers.
const (
	fieldAudioFile = "audio_file"
	fieldSpeaker   = "speaker"
	fieldText      = "text"

	defaultSpeaker = "voice"

	headerContentType        = "Content-Type"
	headerContentDisposition = "Content-Disposition"
	contentTypeJSON          = "application/json"
	contentTypeWAV           = "audio/wav"
	attachmentName           = "converted_audio.wav"
	synthesizedName          = "synthesized_audio.wav"
	payloadFormatWAV         = "wav"
)

// Error messages returned to clients.
const (
	msgMissingAudio     = "audio_file is required"
	msgMissingText      = "text is required"
	msgEmptyConversion  = "Audio buffer is empty. Conversion failed."
	msgTTSNotConfigured = "text-to-speech is not configured"
	errFmtReadUpload    = "failed to read upload: %w"
)

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type speakersResponse struct {
	Speakers []string `json:"speakers"`
}

type matrixResponse struct {
	SimilarityMatrix map[string]map[string]float64 `json:"similarity_matrix"`
}

type compatibilityError struct {
	Error string `json:"error"`
}

type reloadResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Generation  uint64 `json:"generation"`
	Device      string `json:"device,omitempty"`
	Speakers    int    `json:"speakers"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) listSpeakers(w http.ResponseWriter, _ *http.Request) {
	names := s.speakers.Names()
	if names == nil {
		names = []string{}
	}

	s.writeJSON(w, http.StatusOK, speakersResponse{Speakers: names})
}

// compatibility answers 200 even on failure, with the reason under "error".
func (s *Server) compatibility(w http.ResponseWriter, r *http.Request) {
	speaker1 := chi.URLParam(r, "speaker1")
	speaker2 := chi.URLParam(r, "speaker2")

	result, err := s.speakers.Compatibility(speaker1, speaker2)
	if err != nil {
		s.log.Warn("Compatibility %s/%s failed: %v", speaker1, speaker2, err)
		s.writeJSON(w, http.StatusOK, compatibilityError{Error: err.Error()})

		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) similarityMatrix(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, matrixResponse{SimilarityMatrix: s.speakers.SimilarityMatrix()})
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	result, ok := s.convertUpload(w, r)
	if !ok {
		return
	}

	w.Header().Set(headerContentType, contentTypeWAV)
	w.Header().Set(headerContentDisposition, fmt.Sprintf("attachment; filename=%q", attachmentName))
	w.WriteHeader(http.StatusOK)

	_, err := w.Write(result.WAV)
	if err != nil {
		s.log.Warn("Failed to write converted audio: %v", err)
	}
}

func (s *Server) convertStream(w http.ResponseWriter, r *http.Request) {
	result, ok := s.convertUpload(w, r)
	if !ok {
		return
	}

	payload, err := conversion.EncodePayload(result.WAV, payloadFormatWAV)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) textToSpeech(w http.ResponseWriter, r *http.Request) {
	if s.opts.Synthesizer == nil {
		s.writeMessage(w, http.StatusServiceUnavailable, msgTTSNotConfigured)

		return
	}

	text := r.FormValue(fieldText)
	if text == "" {
		s.writeMessage(w, http.StatusBadRequest, msgMissingText)

		return
	}

	audio, err := s.opts.Synthesizer.Synthesize(r.Context(), text)
	if err != nil {
		s.writeError(w, err)

		return
	}

	result, ok := s.runConversion(w, r, core.ConversionRequest{
		Audio:    audio,
		Speaker:  speakerParam(r),
		Filename: synthesizedName,
	})
	if !ok {
		return
	}

	w.Header().Set(headerContentType, contentTypeWAV)
	w.Header().Set(headerContentDisposition, fmt.Sprintf("attachment; filename=%q", attachmentName))
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(result.WAV)
	if err != nil {
		s.log.Warn("Failed to write converted audio: %v", err)
	}
}

func (s *Server) reloadModel(w http.ResponseWriter, r *http.Request) {
	generation, err := s.models.Reload(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, reloadResponse{Status: core.StatusSuccess, Generation: generation})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := s.models.Status()
	response := healthResponse{
		Status:      "ok",
		ModelLoaded: status.Loaded,
		Generation:  status.Generation,
		Device:      string(status.Device),
		Speakers:    len(s.speakers.Names()),
		Error:       "",
	}

	err := s.models.Health(r.Context())
	if err != nil {
		response.Status = "degraded"
		response.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, response)

		return
	}

	s.writeJSON(w, http.StatusOK, response)
}

// convertUpload reads the multipart upload and runs the pipeline. It writes
// the error response itself and reports false when the caller should stop.
func (s *Server) convertUpload(w http.ResponseWriter, r *http.Request) (*core.ConversionResult, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.opts.MaxUploadMB)*bytesPerMegabyte)

	file, header, err := r.FormFile(fieldAudioFile)
	if err != nil {
		s.log.Warn("Rejected upload: %v", err)
		s.writeMessage(w, http.StatusBadRequest, msgMissingAudio)

		return nil, false
	}

	defer func() {
		closeErr := file.Close()
		if closeErr != nil {
			s.log.Warn("Failed to close upload %s: %v", header.Filename, closeErr)
		}
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Errorf(errFmtReadUpload, err))

		return nil, false
	}

	return s.runConversion(w, r, core.ConversionRequest{
		Audio:    data,
		Speaker:  speakerParam(r),
		Filename: header.Filename,
	})
}

func (s *Server) runConversion(w http.ResponseWriter, r *http.Request, req core.ConversionRequest) (*core.ConversionResult, bool) {
	result, err := s.converter.Convert(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return nil, false
	}

	if result == nil || len(result.WAV) == 0 {
		s.writeMessage(w, http.StatusInternalServerError, msgEmptyConversion)

		return nil, false
	}

	return result, true
}

func speakerParam(r *http.Request) string {
	speaker := r.FormValue(fieldSpeaker)
	if speaker == "" {
		return defaultSpeaker
	}

	return speaker
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSpeakerNotFound), errors.Is(err, core.ErrSpeakerNotCached):
		return http.StatusNotFound
	case errors.Is(err, core.ErrEmptyAudio), errors.Is(err, core.ErrDecode), errors.Is(err, core.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotLoaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	s.log.Error("Request failed with %d: %v", status, err)
	s.writeMessage(w, status, err.Error())
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Status: core.StatusError, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.log.Warn("Failed to encode response: %v", err)
	}
}
