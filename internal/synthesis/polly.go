package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

type pollyClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type PollyConfig struct {
	Region string
	Voice  string
	Engine string
}

// PollyBackend synthesizes through Amazon Polly. Tone is not supported by
// Polly voices and is ignored.
type PollyBackend struct {
	mu     sync.Mutex
	client pollyClient
	cfg    PollyConfig
}

func NewPollyBackend(cfg PollyConfig) *PollyBackend {
	return newPollyBackend(cfg, nil)
}

func newPollyBackend(cfg PollyConfig, client pollyClient) *PollyBackend {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Zhiyu"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	return &PollyBackend{client: client, cfg: cfg}
}

func (p *PollyBackend) Name() string { return "polly" }

func (p *PollyBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrInvalidInput
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	text := req.Text
	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(p.cfg.Voice),
	})
	if err != nil {
		return nil, classifyPollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, fmt.Errorf("polly: %w: empty audio stream", ErrUnavailable)
	}
	defer out.AudioStream.Close()
	data, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("polly: read audio: %w: %w", ErrUnavailable, err)
	}
	return &Audio{Data: data, Format: "mp3"}, nil
}

func classifyPollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return fmt.Errorf("polly: %w: %w", ErrInvalidInput, err)
		}
	}
	return fmt.Errorf("polly: %w: %w", ErrUnavailable, err)
}

func (p *PollyBackend) resolveClient(ctx context.Context) (pollyClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
