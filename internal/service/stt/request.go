package stt

import "strings"

const (
	// DefaultProvider is used when a connection does not name a provider.
	DefaultProvider = "yandex"
	// DefaultLanguage is used when a connection does not name a language.
	DefaultLanguage = "ru-RU"
	// DefaultSampleRateHz is used when a connection does not name a sample rate.
	DefaultSampleRateHz = 16000
)

// providerAliases maps legacy provider names onto canonical ones.
var providerAliases = map[string]string{
	"yandex_v3": "yandex",
}

// Request is the per-session configuration snapshot. It is fixed for the
// lifetime of the session's adapter.
type Request struct {
	Provider          string `json:"provider"`
	Language          string `json:"language"`
	EnableDiarization bool   `json:"enable_diarization"`
	SampleRateHz      int    `json:"sample_rate"`
}

// DefaultRequest returns the request used when nothing is configured.
func DefaultRequest() Request {
	return Request{
		Provider:          DefaultProvider,
		Language:          DefaultLanguage,
		EnableDiarization: true,
		SampleRateHz:      DefaultSampleRateHz,
	}
}

// NormalizeProvider returns the canonical provider name.
func NormalizeProvider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultProvider
	}
	if canonical, ok := providerAliases[name]; ok {
		return canonical
	}
	return name
}

// WithDefaults fills unset fields from def.
func (r Request) WithDefaults(def Request) Request {
	if r.Provider == "" {
		r.Provider = def.Provider
	}
	r.Provider = NormalizeProvider(r.Provider)
	if r.Language == "" {
		r.Language = def.Language
	}
	if r.SampleRateHz <= 0 {
		r.SampleRateHz = def.SampleRateHz
	}
	return r
}
