// Package transcribe is the voice-recording intake supplement
// (SPEC_FULL.md §3/§6): it turns an uploaded SessionRecording into a
// SessionDigest by running it through a local whisper.cpp model, then
// summarizing the raw transcript into labelled digest sections with an
// LLM call in the same structured-output style the Entity Extraction
// Service uses. It is grounded on the standalone cmd/whisper-go CLI's
// model.NewContext/Process/NextSegment sequence, generalized from a
// print-to-stdout tool into a service that writes SessionDigests and
// updates SessionRecording status.
package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/google/uuid"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/observability"
)

// Segment is one transcribed utterance, named after whisper.cpp's own
// segment model.
type Segment struct {
	Start, End time.Duration
	Text       string
}

// Engine transcribes 16kHz mono float32 PCM samples into segments.
// Tests substitute a fake; production wires WhisperEngine.
type Engine interface {
	Transcribe(samples []float32) ([]Segment, error)
}

// WhisperEngine loads a single ggml model and serves every Transcribe
// call against it. whisper.cpp contexts are not safe for concurrent
// use, so callers needing parallelism load one WhisperEngine per
// worker goroutine.
type WhisperEngine struct {
	model whisper.Model
}

// LoadWhisperEngine loads the ggml model at modelPath.
func LoadWhisperEngine(modelPath string) (*WhisperEngine, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, errs.Fatal("whisper_model_load", err)
	}
	return &WhisperEngine{model: model}, nil
}

func (e *WhisperEngine) Close() error { return e.model.Close() }

func (e *WhisperEngine) Transcribe(samples []float32) ([]Segment, error) {
	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, errs.Transient("whisper_new_context", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, errs.Transient("whisper_process", err)
	}
	var out []Segment
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			break
		}
		out = append(out, Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
	}
	return out, nil
}

// MetadataStore is the subset of persistence/metadata.Store
// transcription needs.
type MetadataStore interface {
	GetSessionRecording(ctx context.Context, id string) (domain.SessionRecording, error)
	UpdateSessionRecordingStatus(ctx context.Context, id string, status domain.TranscriptionStatus, digestID string) error
	UpsertSessionDigest(ctx context.Context, d domain.SessionDigest) (domain.SessionDigest, error)
}

// DigestIndexer pushes a freshly summarized digest into the vector
// index so planning.Search can find it without waiting on a separate
// backfill pass.
type DigestIndexer interface {
	IndexSessionDigest(ctx context.Context, tenant string, d domain.SessionDigest) (int, error)
}

// Service drives one SessionRecording through transcription and
// summarization.
type Service struct {
	engine  Engine
	blobs   objectstore.ObjectStore
	store   MetadataStore
	llmProv llm.Provider
	model   string
	indexer DigestIndexer
}

func New(engine Engine, blobs objectstore.ObjectStore, store MetadataStore, llmProv llm.Provider, model string, indexer DigestIndexer) *Service {
	return &Service{engine: engine, blobs: blobs, store: store, llmProv: llmProv, model: model, indexer: indexer}
}

// digestSchema mirrors extraction.go's structured-output contract,
// scoped to the labelled sections planning.go's Search filters on.
var digestSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"recap":        map[string]any{"type": "string"},
		"npcs":         map[string]any{"type": "string"},
		"locations":    map[string]any{"type": "string"},
		"open_threads": map[string]any{"type": "string"},
	},
	"required": []any{"recap"},
}

// Process transcribes recordingID's audio blob, summarizes it into a
// SessionDigest, persists and indexes the digest, and marks the
// recording completed. A failure while fetching, transcribing,
// summarizing, persisting or indexing marks the recording failed and
// returns the error; a failure to load the recording or to write its
// status is returned without changing the status. Process is expected
// to be retried by the same queue-worker machinery that drives file
// processing.
func (s *Service) Process(ctx context.Context, tenant, recordingID string) error {
	rec, err := s.store.GetSessionRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateSessionRecordingStatus(ctx, rec.ID, domain.TranscriptionTranscribing, ""); err != nil {
		return err
	}

	digest, err := s.transcribeAndSummarize(ctx, tenant, rec)
	if err != nil {
		_ = s.store.UpdateSessionRecordingStatus(ctx, rec.ID, domain.TranscriptionFailed, "")
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("recording_id", rec.ID).Msg("transcription_failed")
		return err
	}

	if err := s.store.UpdateSessionRecordingStatus(ctx, rec.ID, domain.TranscriptionCompleted, digest.ID); err != nil {
		return err
	}
	return nil
}

func (s *Service) transcribeAndSummarize(ctx context.Context, tenant string, rec domain.SessionRecording) (domain.SessionDigest, error) {
	obj, _, err := s.blobs.Get(ctx, rec.BlobKey)
	if err != nil {
		return domain.SessionDigest{}, errs.Transient("fetch_recording_blob", err)
	}
	defer obj.Close()

	samples, err := decodeWAV(obj)
	if err != nil {
		return domain.SessionDigest{}, errs.Validation("recording_audio", err)
	}

	segments, err := s.engine.Transcribe(samples)
	if err != nil {
		return domain.SessionDigest{}, err
	}
	transcript := joinSegments(segments)

	sections, err := s.summarize(ctx, rec, transcript)
	if err != nil {
		return domain.SessionDigest{}, err
	}

	num := rec.SessionNumber
	digest := domain.SessionDigest{
		ID:            uuid.NewString(),
		CampaignID:    rec.CampaignID,
		SessionNumber: &num,
		DigestData:    sections,
	}
	digest, err = s.store.UpsertSessionDigest(ctx, digest)
	if err != nil {
		return domain.SessionDigest{}, err
	}
	if s.indexer != nil {
		if _, err := s.indexer.IndexSessionDigest(ctx, tenant, digest); err != nil {
			return domain.SessionDigest{}, err
		}
	}
	return digest, nil
}

func (s *Service) summarize(ctx context.Context, rec domain.SessionRecording, transcript string) (map[string]string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "Summarize the following tabletop RPG session transcript into labelled sections: a recap of events, notable NPCs, locations visited, and open plot threads. Respond only with the structured sections object."},
		{Role: "user", Content: fmt.Sprintf("Session %d transcript:\n\n%s", rec.SessionNumber, transcript)},
	}
	raw, err := s.llmProv.StructuredOutput(ctx, msgs, s.model, digestSchema)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Validation("digest_summary_response", err)
	}
	sections := make(map[string]string, len(out))
	for k, v := range out {
		if v != "" {
			sections[k] = v
		}
	}
	return sections, nil
}

func joinSegments(segments []Segment) string {
	var b bytes.Buffer
	for _, seg := range segments {
		b.WriteString(seg.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// wavHeader is the canonical 44-byte PCM WAV header, read directly off
// the object store's stream.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// decodeWAV parses a PCM WAV stream into mono float32 samples in
// [-1,1], downmixing stereo by averaging channels. whisper.cpp expects
// 16kHz input; a non-matching sample rate is accepted (whisper itself
// tolerates it, at reduced accuracy) rather than rejected outright.
func decodeWAV(r io.Reader) ([]float32, error) {
	var header wavHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid wav stream")
	}

	audioData := make([]byte, header.Subchunk2Size)
	if _, err := io.ReadFull(r, audioData); err != nil {
		return nil, fmt.Errorf("read wav audio data: %w", err)
	}

	var samples []float32
	switch header.BitsPerSample {
	case 16:
		for i := 0; i+1 < len(audioData); i += 2 {
			sample := int16(binary.LittleEndian.Uint16(audioData[i : i+2]))
			samples = append(samples, float32(sample)/32768.0)
		}
	case 32:
		for i := 0; i+3 < len(audioData); i += 4 {
			bits := binary.LittleEndian.Uint32(audioData[i : i+4])
			samples = append(samples, math.Float32frombits(bits))
		}
	default:
		return nil, fmt.Errorf("unsupported bits per sample: %d", header.BitsPerSample)
	}

	if header.NumChannels == 2 {
		mono := make([]float32, len(samples)/2)
		for i := range mono {
			mono[i] = (samples[i*2] + samples[i*2+1]) / 2.0
		}
		samples = mono
	}
	return samples, nil
}

