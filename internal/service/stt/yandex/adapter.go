// Package yandex provides a Yandex SpeechKit v3 streaming recognition adapter.
package yandex

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	sttv3 "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"

	"transcription-gateway/internal/observability/logging"
	"transcription-gateway/internal/service/stt"
)

// Provider is the canonical provider name served by this adapter.
const Provider = "yandex"

// DefaultEndpoint is the public SpeechKit endpoint.
const DefaultEndpoint = "stt.api.cloud.yandex.net:443"

// FallbackSampleRateHz is used when the requested rate is not supported.
const FallbackSampleRateHz = 16000

var allowedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	48000: true,
}

var languageLocales = map[string]string{
	"ru": "ru-RU",
	"en": "en-US",
}

// Config holds SpeechKit connection settings.
type Config struct {
	Endpoint string
	APIKey   string
	IAMToken string
	FolderID string
	// StreamingEnabled reports whether bidirectional streaming is available
	// in this deployment. When false no connection is attempted.
	StreamingEnabled bool
	DialOptions      []grpc.DialOption
	// ResultBuffer sizes the result channel; zero uses the bridge default.
	ResultBuffer int
}

// DefaultConfig returns the configuration for the public endpoint.
func DefaultConfig() Config {
	return Config{
		Endpoint:         DefaultEndpoint,
		StreamingEnabled: true,
	}
}

// Adapter implements stt.Adapter over Recognizer.RecognizeStreaming.
type Adapter struct {
	*stt.Bridge[*sttv3.StreamingRequest, *sttv3.StreamingResponse]

	language     string
	sampleRateHz int
}

// New creates an adapter for one session. Credential and availability
// problems are reported as an error result once the adapter is started.
func New(cfg Config, sessionID string, req stt.Request) *Adapter {
	log := logging.WithUpstream(sessionID, Provider)
	return newAdapter(cfg, req, log, func(ctx context.Context) (stt.BidiStream[*sttv3.StreamingRequest, *sttv3.StreamingResponse], error) {
		return dial(ctx, cfg, log)
	})
}

func newAdapter(cfg Config, req stt.Request, log zerolog.Logger, open stt.Opener[*sttv3.StreamingRequest, *sttv3.StreamingResponse]) *Adapter {
	lang := NormalizeLanguage(req.Language)
	rate, ok := ResolveSampleRate(req.SampleRateHz)
	if !ok {
		log.Warn().
			Int("requested", req.SampleRateHz).
			Int("using", rate).
			Msg("Unsupported sample rate, falling back")
	}

	c := codec{
		options: SessionOptions(lang, rate),
		log:     log,
	}
	open = precheck(cfg, open)

	return &Adapter{
		Bridge: stt.NewBridge[*sttv3.StreamingRequest, *sttv3.StreamingResponse](
			stt.BridgeConfig{Provider: Provider, ResultBuffer: cfg.ResultBuffer, Logger: log},
			c,
			open,
		),
		language:     lang,
		sampleRateHz: rate,
	}
}

// Language returns the normalized language used for the session.
func (a *Adapter) Language() string { return a.language }

// SampleRateHz returns the effective sample rate sent to the backend.
func (a *Adapter) SampleRateHz() int { return a.sampleRateHz }

// NormalizeLanguage expands bare language tags to a full locale.
func NormalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return stt.DefaultLanguage
	}
	if locale, ok := languageLocales[strings.ToLower(lang)]; ok {
		return locale
	}
	return lang
}

// ResolveSampleRate returns hz when the backend accepts it, otherwise the
// fallback rate and false.
func ResolveSampleRate(hz int) (int, bool) {
	if allowedSampleRates[hz] {
		return hz, true
	}
	return FallbackSampleRateHz, false
}

// AuthMetadata builds the authorization headers. An API key takes
// precedence; a bearer token requires a folder id.
func AuthMetadata(cfg Config) (metadata.MD, error) {
	if cfg.APIKey != "" {
		return metadata.Pairs("authorization", "Api-Key "+cfg.APIKey), nil
	}
	if cfg.IAMToken != "" {
		if cfg.FolderID == "" {
			return nil, fmt.Errorf("%w: folder id is required with an iam token", stt.ErrAuthorization)
		}
		return metadata.Pairs(
			"authorization", "Bearer "+cfg.IAMToken,
			"x-folder-id", cfg.FolderID,
		), nil
	}
	return nil, stt.ErrAuthorization
}

// SessionOptions builds the recognition options sent as the first frame.
func SessionOptions(language string, sampleRateHz int) *sttv3.StreamingOptions {
	return &sttv3.StreamingOptions{
		RecognitionModel: &sttv3.RecognitionModelOptions{
			AudioFormat: &sttv3.AudioFormatOptions{
				AudioFormat: &sttv3.AudioFormatOptions_RawAudio{
					RawAudio: &sttv3.RawAudio{
						AudioEncoding:     sttv3.RawAudio_LINEAR16_PCM,
						SampleRateHertz:   int64(sampleRateHz),
						AudioChannelCount: 1,
					},
				},
			},
			TextNormalization: &sttv3.TextNormalizationOptions{
				TextNormalization: sttv3.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
				ProfanityFilter:   true,
				LiteratureText:    false,
			},
			LanguageRestriction: &sttv3.LanguageRestrictionOptions{
				RestrictionType: sttv3.LanguageRestrictionOptions_WHITELIST,
				LanguageCode:    []string{language},
			},
			AudioProcessingType: sttv3.RecognitionModelOptions_REAL_TIME,
		},
	}
}

// precheck rejects the session before dialing when streaming is disabled
// or no credential is configured.
func precheck(cfg Config, open stt.Opener[*sttv3.StreamingRequest, *sttv3.StreamingResponse]) stt.Opener[*sttv3.StreamingRequest, *sttv3.StreamingResponse] {
	return func(ctx context.Context) (stt.BidiStream[*sttv3.StreamingRequest, *sttv3.StreamingResponse], error) {
		if !cfg.StreamingEnabled {
			return nil, stt.ErrProtocolUnavailable
		}
		if _, err := AuthMetadata(cfg); err != nil {
			return nil, err
		}
		return open(ctx)
	}
}

func dial(ctx context.Context, cfg Config, log zerolog.Logger) (stt.BidiStream[*sttv3.StreamingRequest, *sttv3.StreamingResponse], error) {
	md, err := AuthMetadata(cfg)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
	}, cfg.DialOptions...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", endpoint, err)
	}

	log.Info().Str("endpoint", endpoint).Msg("Opening recognition stream")
	client := sttv3.NewRecognizerClient(conn)
	stream, err := client.RecognizeStreaming(metadata.NewOutgoingContext(ctx, md), grpc.WaitForReady(true))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &connStream{stream: stream, conn: conn}, nil
}

// connStream ties the lifetime of the client connection to the stream.
type connStream struct {
	stream sttv3.Recognizer_RecognizeStreamingClient
	conn   *grpc.ClientConn
}

func (s *connStream) Send(req *sttv3.StreamingRequest) error { return s.stream.Send(req) }

func (s *connStream) Recv() (*sttv3.StreamingResponse, error) { return s.stream.Recv() }

func (s *connStream) CloseSend() error { return s.stream.CloseSend() }

func (s *connStream) Close() error { return s.conn.Close() }

type codec struct {
	options *sttv3.StreamingOptions
	log     zerolog.Logger
}

func (c codec) Config() *sttv3.StreamingRequest {
	return &sttv3.StreamingRequest{
		Event: &sttv3.StreamingRequest_SessionOptions{SessionOptions: c.options},
	}
}

func (c codec) Audio(data []byte) *sttv3.StreamingRequest {
	return &sttv3.StreamingRequest{
		Event: &sttv3.StreamingRequest_Chunk{Chunk: &sttv3.AudioChunk{Data: data}},
	}
}

func (c codec) Parse(resp *sttv3.StreamingResponse) []stt.Result {
	results := parseResponse(resp)
	if results == nil {
		if e := c.log.Debug(); e.Enabled() {
			e.Str("frame", protojson.Format(resp)).Msg("Ignoring upstream frame")
		}
	}
	return results
}

// parseResponse classifies one response frame. Alternatives with empty text
// are dropped.
func parseResponse(resp *sttv3.StreamingResponse) []stt.Result {
	if resp == nil {
		return nil
	}
	switch {
	case resp.GetPartial() != nil:
		return alternatives(stt.ResultPartial, resp.GetPartial(), false, true)
	case resp.GetFinal() != nil:
		return alternatives(stt.ResultFinal, resp.GetFinal(), true, true)
	case resp.GetFinalRefinement().GetNormalizedText() != nil:
		return alternatives(stt.ResultFinalRefinement, resp.GetFinalRefinement().GetNormalizedText(), true, false)
	}
	return nil
}

func alternatives(typ stt.ResultType, update *sttv3.AlternativeUpdate, final, withWords bool) []stt.Result {
	var out []stt.Result
	for _, alt := range update.GetAlternatives() {
		text := strings.TrimSpace(alt.GetText())
		if text == "" {
			continue
		}
		r := stt.Result{
			Type:       typ,
			Text:       text,
			Confidence: alt.GetConfidence(),
			IsFinal:    final,
			ChannelTag: update.GetChannelTag(),
		}
		if withWords {
			for _, w := range alt.GetWords() {
				r.Words = append(r.Words, stt.Word{
					Text:    w.GetText(),
					StartMs: w.GetStartTimeMs(),
					EndMs:   w.GetEndTimeMs(),
				})
			}
		}
		out = append(out, r)
	}
	return out
}
