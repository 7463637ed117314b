// Package collaborator defines the narrow interfaces the core invokes but does
// not implement: inference, diarization, text formatting, LLM correction, and
// export. Each is an external collaborator whose absence is reported to
// clients as ErrUnsupported, never as an import failure.
package collaborator

import (
	"context"
	"errors"
)

// Category classifies an error for HTTP status mapping and client
// messaging. The seven categories below are fixed; no new ones are added.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryNotFound    Category = "not_found"
	CategoryAuth        Category = "auth"
	CategoryBusy        Category = "busy"
	CategoryUnsupported Category = "unsupported"
	CategoryInternal    Category = "internal"
	CategoryCancelled   Category = "cancelled"
)

// Error is a categorized failure. Handlers map Category to an HTTP status;
// Message is short, localized, and never contains paths or stack traces.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a categorized Error. cause is optional — omit it for errors
// that originate here rather than wrapping a collaborator failure.
func New(cat Category, msg string, cause ...error) *Error {
	var err error
	if len(cause) > 0 {
		err = cause[0]
	}
	return &Error{Category: cat, Message: msg, Err: err}
}

// CategoryOf extracts the Category from err, defaulting to CategoryInternal.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryInternal
}

// Segment is a normalized transcript fragment with timing. Inference
// backends report chunks, segments, or bare timestamp tuples in whatever
// shape they prefer; this is the single normalized shape every caller here
// uses regardless of backend.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscribeResult is the narrow output of an inference run.
type TranscribeResult struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Engine is the inference collaborator. Exactly one call may be in flight
// across the whole process — callers serialize through the engine mutex
// (see transcribe.Pipeline); Engine implementations need not be reentrant.
type Engine interface {
	// EnsureLoaded lazily loads the model. Safe to call repeatedly.
	EnsureLoaded(ctx context.Context) error
	// Unload releases model resources. Safe to call when not loaded.
	Unload(ctx context.Context) error
	// IsLoaded reports whether inference can run without a load step.
	IsLoaded() bool
	// Transcribe runs inference on the given audio file path with timestamps.
	Transcribe(ctx context.Context, audioPath string) (TranscribeResult, error)
	// Name identifies the engine for /api/models/{engine}/* routes.
	Name() string
}

// StreamEngine is the subset of Engine usable by the realtime worker: raw
// float32 PCM in, text out, no filesystem path involved.
type StreamEngine interface {
	TranscribePCM(ctx context.Context, pcm []float32, sampleRate int) (TranscribeResult, error)
}

// Diarizer assigns speaker labels to segments. Optional collaborator —
// absence is CategoryUnsupported, never fatal to the pipeline.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, segments []Segment) ([]Segment, error)
}

// Formatter cleans raw transcript text (filler removal, punctuation,
// paragraphs). Optional — failure degrades to raw text, never fatal.
type Formatter interface {
	Format(ctx context.Context, text string, opts FormatOptions) (string, error)
}

// FormatOptions selects which text-cleanup passes Format applies.
type FormatOptions struct {
	RemoveFillers    bool
	AddPunctuation   bool
	FormatParagraphs bool
	CleanRepeated    bool
}

// Corrector runs an LLM-based correction pass over formatted text. Optional.
type Corrector interface {
	Correct(ctx context.Context, text string, provider string) (string, error)
}

// Exporter writes segments/text to a target file format. One instance per
// format (txt, docx, xlsx, srt, vtt, json); absence of a format is
// CategoryUnsupported.
type Exporter interface {
	Format() string
	Export(ctx context.Context, text string, segments []Segment, dest string) error
}

// AudioSource abstracts the realtime worker's microphone capture device:
// each Read call returns one frame of mono float32 samples, or an error.
// Like Engine, this is an external collaborator — the core never talks to
// hardware directly, only through this narrow contract.
type AudioSource interface {
	Read(ctx context.Context) ([]float32, error)
	Close() error
}

// Registry is the dynamic-discovery surface for optional collaborators
// (§9 design notes — "dynamic discovery of optional collaborators").
// A nil/missing entry means "not installed"; handlers report
// CategoryUnsupported rather than dereferencing a nil collaborator.
// Construct with NewRegistry; fields are private so absence is always
// routed through the nil-returning accessor methods below.
type Registry struct {
	engines     map[string]Engine
	diarizer    Diarizer
	formatter   Formatter
	corrector   Corrector
	exporters   map[string]Exporter
	audioSource AudioSource
}

// RegistryOptions configures the optional collaborators a Registry exposes.
// Every field may be left nil/empty; absence is reported as
// CategoryUnsupported to clients, never as a startup failure.
type RegistryOptions struct {
	Engines     map[string]Engine
	Diarizer    Diarizer
	Formatter   Formatter
	Corrector   Corrector
	Exporters   map[string]Exporter
	AudioSource AudioSource
}

// NewRegistry builds a Registry from the given options.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Engines == nil {
		opts.Engines = map[string]Engine{}
	}
	if opts.Exporters == nil {
		opts.Exporters = map[string]Exporter{}
	}
	return &Registry{
		engines:     opts.Engines,
		diarizer:    opts.Diarizer,
		formatter:   opts.Formatter,
		corrector:   opts.Corrector,
		exporters:   opts.Exporters,
		audioSource: opts.AudioSource,
	}
}

// EngineNames lists every registered engine name, for health reporting.
func (r *Registry) EngineNames() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// Engine looks up an engine by name, returning nil if unknown.
func (r *Registry) Engine(name string) Engine {
	return r.engines[name]
}

// Diarizer returns the optional diarization collaborator, or nil.
func (r *Registry) Diarizer() Diarizer { return r.diarizer }

// Formatter returns the optional text-formatting collaborator, or nil.
func (r *Registry) Formatter() Formatter { return r.formatter }

// Corrector returns the optional LLM-correction collaborator, or nil.
func (r *Registry) Corrector() Corrector { return r.corrector }

// AudioSource returns the optional microphone-capture collaborator, or nil.
func (r *Registry) AudioSource() AudioSource { return r.audioSource }

// ExporterFor looks up an exporter by format, returning nil if none is
// registered for it.
func (r *Registry) ExporterFor(format string) Exporter {
	return r.exporters[format]
}
