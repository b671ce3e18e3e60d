package backend

import "github.com/gaspardpetit/vocero/internal/rpcwire"

// SampleRate is the fixed output rate of the backend audio pipeline.
const SampleRate = 24000

// Model identifiers understood by the backend.
const (
	ModelCustom = "pro_custom"
	ModelDesign = "pro_design"
	ModelClone  = "pro_clone"
)

// CatalogEntry describes one loadable model variant.
type CatalogEntry struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Mode             string `json:"mode"`
	SupportsInstruct bool   `json:"supports_instruct"`
	SupportsCloneRef bool   `json:"supports_clone_ref"`
}

// Catalog returns the static model catalog.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{ID: ModelCustom, Name: "Custom Voice (Pro)", Mode: "custom", SupportsInstruct: true},
		{ID: ModelDesign, Name: "Voice Design (Pro)", Mode: "design", SupportsInstruct: true},
		{ID: ModelClone, Name: "Voice Cloning (Pro)", Mode: "clone", SupportsCloneRef: true},
	}
}

// InitResult reports the directories the backend settled on.
type InitResult struct {
	ModelsDir  string `json:"models_dir"`
	OutputsDir string `json:"outputs_dir"`
}

// LoadResult reports a completed model load. Cached means the model was
// already in memory.
type LoadResult struct {
	ModelPath string `json:"model_path"`
	Cached    bool   `json:"cached,omitempty"`
}

// ModelStatus is the backend's on-disk view of one model.
type ModelStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	Downloaded bool   `json:"downloaded"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Speaker is one built-in speaker of a model family.
type Speaker struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Voice is one enrolled clone voice.
type Voice struct {
	Name          string `json:"name"`
	WavPath       string `json:"wav_path"`
	HasTranscript bool   `json:"has_transcript"`
}

// GenerateRequest carries the generation parameters the backend accepts.
// Zero-valued optional fields are omitted from the wire params.
type GenerateRequest struct {
	Text           string  `json:"text"`
	OutputPath     string  `json:"output_path,omitempty"`
	Voice          string  `json:"voice,omitempty"`
	Instruct       string  `json:"instruct,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	RefAudio       string  `json:"ref_audio,omitempty"`
	RefText        string  `json:"ref_text,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Stream         bool    `json:"stream,omitempty"`
	StreamInterval float64 `json:"streaming_interval,omitempty"`
}

func (r GenerateRequest) params() rpcwire.Value {
	fields := map[string]rpcwire.Value{"text": rpcwire.String(r.Text)}
	if r.OutputPath != "" {
		fields["output_path"] = rpcwire.String(r.OutputPath)
	}
	if r.Voice != "" {
		fields["voice"] = rpcwire.String(r.Voice)
	}
	if r.Instruct != "" {
		fields["instruct"] = rpcwire.String(r.Instruct)
	}
	if r.Speed != 0 {
		fields["speed"] = rpcwire.Float(r.Speed)
	}
	if r.RefAudio != "" {
		fields["ref_audio"] = rpcwire.String(r.RefAudio)
	}
	if r.RefText != "" {
		fields["ref_text"] = rpcwire.String(r.RefText)
	}
	if r.Temperature != 0 {
		fields["temperature"] = rpcwire.Float(r.Temperature)
	}
	if r.MaxTokens != 0 {
		fields["max_tokens"] = rpcwire.Int(int64(r.MaxTokens))
	}
	if r.Stream {
		fields["stream"] = rpcwire.Bool(true)
		if r.StreamInterval != 0 {
			fields["streaming_interval"] = rpcwire.Float(r.StreamInterval)
		}
	}
	return rpcwire.Object(fields)
}

// GenerateResult is the terminal outcome of a generation.
type GenerateResult struct {
	AudioPath       string  `json:"audio_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
	ElapsedMS       int64   `json:"elapsed_ms"`
}

// ConvertResult reports a completed audio conversion.
type ConvertResult struct {
	WavPath string `json:"wav_path"`
}

// EnrollRequest enrolls a reference clip under a voice name.
type EnrollRequest struct {
	Name       string `json:"name"`
	AudioPath  string `json:"audio_path"`
	Transcript string `json:"transcript,omitempty"`
}
