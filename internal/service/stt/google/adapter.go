// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"fmt"
	"strconv"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"transcription-gateway/internal/observability/logging"
	"transcription-gateway/internal/service/stt"
)

// Provider is the provider name served by this adapter.
const Provider = "google"

// Config holds Google STT specific configuration.
type Config struct {
	LanguageCode      string
	SampleRateHz      int
	InterimResults    bool
	AudioEncoding     string
	EnableDiarization bool
	ResultBuffer      int
}

// DefaultConfig returns the default Google STT configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// FromRequest overlays a session request on cfg.
func FromRequest(cfg Config, req stt.Request) Config {
	if req.Language != "" {
		cfg.LanguageCode = req.Language
	}
	if req.SampleRateHz > 0 {
		cfg.SampleRateHz = req.SampleRateHz
	}
	cfg.EnableDiarization = req.EnableDiarization
	return cfg
}

// Adapter implements stt.Adapter over Speech.StreamingRecognize.
type Adapter struct {
	*stt.Bridge[*speechpb.StreamingRecognizeRequest, *speechpb.StreamingRecognizeResponse]
}

// New creates a Google STT adapter for one session. The speech client is
// created when the adapter starts and uses Application Default Credentials
// unless opts say otherwise.
func New(cfg Config, sessionID string, opts ...option.ClientOption) *Adapter {
	log := logging.WithUpstream(sessionID, Provider)
	open := func(ctx context.Context) (stt.BidiStream[*speechpb.StreamingRecognizeRequest, *speechpb.StreamingRecognizeResponse], error) {
		client, err := speech.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create speech client: %w", err)
		}
		stream, err := client.StreamingRecognize(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &clientStream{stream: stream, client: client}, nil
	}
	return newAdapter(cfg, log, open)
}

func newAdapter(cfg Config, log zerolog.Logger, open stt.Opener[*speechpb.StreamingRecognizeRequest, *speechpb.StreamingRecognizeResponse]) *Adapter {
	return &Adapter{
		Bridge: stt.NewBridge(stt.BridgeConfig{Provider: Provider, ResultBuffer: cfg.ResultBuffer, Logger: log}, codec{cfg: cfg}, open),
	}
}

type clientStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
	client *speech.Client
}

func (s *clientStream) Send(req *speechpb.StreamingRecognizeRequest) error { return s.stream.Send(req) }

func (s *clientStream) Recv() (*speechpb.StreamingRecognizeResponse, error) { return s.stream.Recv() }

func (s *clientStream) CloseSend() error { return s.stream.CloseSend() }

func (s *clientStream) Close() error { return s.client.Close() }

type codec struct {
	cfg Config
}

// Config sends the streaming config as the first message.
func (c codec) Config() *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:        parseAudioEncoding(c.cfg.AudioEncoding),
		SampleRateHertz: int32(c.cfg.SampleRateHz),
		LanguageCode:    c.cfg.LanguageCode,
	}
	if c.cfg.EnableDiarization {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{EnableSpeakerDiarization: true}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: c.cfg.InterimResults,
			},
		},
	}
}

func (c codec) Audio(data []byte) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}
}

// Parse uses the top alternative of every result.
func (c codec) Parse(resp *speechpb.StreamingRecognizeResponse) []stt.Result {
	var out []stt.Result
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		if alt.GetTranscript() == "" {
			continue
		}
		res := stt.Result{
			Type:       stt.ResultPartial,
			Text:       alt.GetTranscript(),
			Confidence: float64(alt.GetConfidence()),
			IsFinal:    r.GetIsFinal(),
		}
		if r.GetIsFinal() {
			res.Type = stt.ResultFinal
		}
		if tag := r.GetChannelTag(); tag > 0 {
			res.ChannelTag = strconv.Itoa(int(tag))
		}
		for _, w := range alt.GetWords() {
			res.Words = append(res.Words, stt.Word{
				Text:    w.GetWord(),
				StartMs: w.GetStartTime().AsDuration().Milliseconds(),
				EndMs:   w.GetEndTime().AsDuration().Milliseconds(),
			})
		}
		out = append(out, res)
	}
	return out
}

// parseAudioEncoding converts encoding string to Google's enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
