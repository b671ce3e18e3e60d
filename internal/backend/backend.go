package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/vocero/internal/bridge"
	"github.com/gaspardpetit/vocero/internal/history"
	"github.com/gaspardpetit/vocero/internal/logx"
	"github.com/gaspardpetit/vocero/internal/metrics"
	"github.com/gaspardpetit/vocero/internal/rpcwire"
)

// ErrVoiceNotFound reports a delete against a voice that does not exist.
var ErrVoiceNotFound = errors.New("voice not found")

// Facade exposes the backend protocol as typed operations: parameters in,
// results out, RPC errors passed through unchanged. The only state it keeps
// is the id of the currently loaded model.
type Facade struct {
	engine  *bridge.Engine
	history *history.Store

	mu      sync.Mutex
	current string
}

// New builds a facade over the engine. hist may be nil; generations are then
// not recorded.
func New(engine *bridge.Engine, hist *history.Store) *Facade {
	return &Facade{engine: engine, history: hist}
}

// CurrentModel returns the id of the last successfully loaded model, empty
// when none is loaded.
func (f *Facade) CurrentModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Ping verifies the backend answers on the wire.
func (f *Facade) Ping(ctx context.Context) error {
	_, err := f.engine.Call(ctx, "ping", rpcwire.Object(nil), nil)
	return err
}

// Init hands the backend its working directory. Called once after every
// process start; the backend creates its model, output and voice folders
// under it.
func (f *Facade) Init(ctx context.Context, appSupportDir string) (InitResult, error) {
	params := rpcwire.Object(map[string]rpcwire.Value{
		"app_support_dir": rpcwire.String(appSupportDir),
	})
	v, err := f.engine.Call(ctx, "init", params, nil)
	if err != nil {
		return InitResult{}, err
	}
	return InitResult{
		ModelsDir:  fieldString(v, "models_dir"),
		OutputsDir: fieldString(v, "outputs_dir"),
	}, nil
}

// LoadModel loads the given model variant, replacing any loaded one.
func (f *Facade) LoadModel(ctx context.Context, modelID string) (LoadResult, error) {
	params := rpcwire.Object(map[string]rpcwire.Value{"model_id": rpcwire.String(modelID)})
	v, err := f.engine.Call(ctx, "load_model", params, nil)
	if err != nil {
		return LoadResult{}, err
	}
	f.mu.Lock()
	f.current = modelID
	f.mu.Unlock()
	return LoadResult{ModelPath: fieldString(v, "model_path"), Cached: fieldBool(v, "cached")}, nil
}

// UnloadModel frees the loaded model.
func (f *Facade) UnloadModel(ctx context.Context) error {
	if _, err := f.engine.Call(ctx, "unload_model", rpcwire.Object(nil), nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.current = ""
	f.mu.Unlock()
	return nil
}

// GetModelInfo reports download state and size of every known model.
func (f *Facade) GetModelInfo(ctx context.Context) ([]ModelStatus, error) {
	v, err := f.engine.Call(ctx, "get_model_info", rpcwire.Object(nil), nil)
	if err != nil {
		return nil, err
	}
	items, _ := v.Items()
	out := make([]ModelStatus, 0, len(items))
	for _, it := range items {
		out = append(out, ModelStatus{
			ID:         fieldString(it, "id"),
			Name:       fieldString(it, "name"),
			Mode:       fieldString(it, "mode"),
			Downloaded: fieldBool(it, "downloaded"),
			SizeBytes:  fieldInt(it, "size_bytes"),
		})
	}
	return out, nil
}

// GetSpeakers flattens the backend's language-keyed speaker map into a
// stable, language-sorted list.
func (f *Facade) GetSpeakers(ctx context.Context) ([]Speaker, error) {
	v, err := f.engine.Call(ctx, "get_speakers", rpcwire.Object(nil), nil)
	if err != nil {
		return nil, err
	}
	byLang, _ := v.Fields()
	langs := make([]string, 0, len(byLang))
	for lang := range byLang {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	var out []Speaker
	for _, lang := range langs {
		names, _ := byLang[lang].Items()
		for _, n := range names {
			if s, ok := n.AsString(); ok {
				out = append(out, Speaker{Name: s, Language: lang})
			}
		}
	}
	return out, nil
}

// Generate synthesizes speech. onChunk, when set, receives streamed partial
// audio before Generate returns; every chunk arrives before the terminal
// result. A successful generation is appended to the history store.
func (f *Facade) Generate(ctx context.Context, req GenerateRequest, onChunk bridge.StreamHandler) (GenerateResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return GenerateResult{}, errors.New("text is required")
	}
	model := f.CurrentModel()
	began := time.Now()
	v, err := f.engine.Call(ctx, "generate", req.params(), onChunk)
	elapsed := time.Since(began)
	if err != nil {
		metrics.RecordGeneration(model, false)
		return GenerateResult{}, err
	}
	metrics.RecordGeneration(model, true)
	metrics.ObserveGenerationDuration(model, elapsed)

	res := GenerateResult{
		AudioPath:       fieldString(v, "audio_path"),
		DurationSeconds: fieldFloat(v, "duration_seconds"),
		SampleRate:      SampleRate,
		ElapsedMS:       elapsed.Milliseconds(),
	}
	if f.history != nil {
		rec := history.Record{
			Model:      model,
			Voice:      req.Voice,
			Text:       req.Text,
			OutputPath: res.AudioPath,
			DurationS:  res.DurationSeconds,
			SampleRate: SampleRate,
		}
		if _, err := f.history.Append(rec); err != nil {
			logx.Log.Warn().Err(err).Msg("Could not record generation history")
		}
	}
	return res, nil
}

// ConvertAudio normalizes an audio file to 24 kHz mono WAV through the
// backend's converter.
func (f *Facade) ConvertAudio(ctx context.Context, inputPath, outputPath string) (ConvertResult, error) {
	if inputPath == "" {
		return ConvertResult{}, errors.New("input_path is required")
	}
	fields := map[string]rpcwire.Value{"input_path": rpcwire.String(inputPath)}
	if outputPath != "" {
		fields["output_path"] = rpcwire.String(outputPath)
	}
	v, err := f.engine.Call(ctx, "convert_audio", rpcwire.Object(fields), nil)
	if err != nil {
		return ConvertResult{}, err
	}
	return ConvertResult{WavPath: fieldString(v, "wav_path")}, nil
}

// ListVoices returns the enrolled clone voices.
func (f *Facade) ListVoices(ctx context.Context) ([]Voice, error) {
	v, err := f.engine.Call(ctx, "list_voices", rpcwire.Object(nil), nil)
	if err != nil {
		return nil, err
	}
	items, _ := v.Items()
	out := make([]Voice, 0, len(items))
	for _, it := range items {
		out = append(out, Voice{
			Name:          fieldString(it, "name"),
			WavPath:       fieldString(it, "wav_path"),
			HasTranscript: fieldBool(it, "has_transcript"),
		})
	}
	return out, nil
}

// EnrollVoice stores a normalized reference clip, and its transcript when
// given, under the voice name. The backend sanitizes the name; the returned
// Voice carries the stored form.
func (f *Facade) EnrollVoice(ctx context.Context, req EnrollRequest) (Voice, error) {
	if req.Name == "" || req.AudioPath == "" {
		return Voice{}, errors.New("name and audio_path are required")
	}
	fields := map[string]rpcwire.Value{
		"name":       rpcwire.String(req.Name),
		"audio_path": rpcwire.String(req.AudioPath),
	}
	if req.Transcript != "" {
		fields["transcript"] = rpcwire.String(req.Transcript)
	}
	v, err := f.engine.Call(ctx, "enroll_voice", rpcwire.Object(fields), nil)
	if err != nil {
		return Voice{}, err
	}
	return Voice{
		Name:          fieldString(v, "name"),
		WavPath:       fieldString(v, "wav_path"),
		HasTranscript: req.Transcript != "",
	}, nil
}

// DeleteVoice removes an enrolled voice and its transcript.
func (f *Facade) DeleteVoice(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	params := rpcwire.Object(map[string]rpcwire.Value{"name": rpcwire.String(name)})
	v, err := f.engine.Call(ctx, "delete_voice", params, nil)
	if err != nil {
		return err
	}
	if !fieldBool(v, "success") {
		return fmt.Errorf("%w: %s", ErrVoiceNotFound, name)
	}
	return nil
}

// Field helpers tolerate missing or differently typed members; the zero
// value stands in.

func fieldString(v rpcwire.Value, key string) string {
	if f, ok := v.Field(key); ok {
		if s, ok := f.AsString(); ok {
			return s
		}
	}
	return ""
}

func fieldBool(v rpcwire.Value, key string) bool {
	if f, ok := v.Field(key); ok {
		if b, ok := f.AsBool(); ok {
			return b
		}
	}
	return false
}

func fieldInt(v rpcwire.Value, key string) int64 {
	if f, ok := v.Field(key); ok {
		if i, ok := f.AsInt64(); ok {
			return i
		}
	}
	return 0
}

func fieldFloat(v rpcwire.Value, key string) float64 {
	if f, ok := v.Field(key); ok {
		if fl, ok := f.AsFloat64(); ok {
			return fl
		}
	}
	return 0
}
