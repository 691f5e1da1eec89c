package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/bus"
	"github.com/sjawhar/milo/internal/metrics"
)

// Deps are the collaborators a Pipeline drives. Ledger, Uploader, Events
// and Metrics are optional.
type Deps struct {
	Store       *artifact.Store
	Bus         bus.Bus
	Lecture     *LectureState
	Exchange    *ExchangeState
	Converter   Converter
	Transcriber Transcriber
	Summarizer  Generator
	Responder   Generator
	Synthesizer Synthesizer
	Events      EventBroadcaster
	Ledger      Ledger
	Uploader    Uploader
	Prompts     Prompts
	Metrics     *metrics.Pipeline
	Logger      *slog.Logger
}

// Pipeline holds the four stage handlers. Each handler reads its input from
// the artifact store, calls one or more collaborators, writes its output
// and hands over to the next stage through the bus or a client event.
type Pipeline struct {
	store       *artifact.Store
	bus         bus.Bus
	lecture     *LectureState
	exchange    *ExchangeState
	converter   Converter
	transcriber Transcriber
	summarizer  Generator
	responder   Generator
	synthesizer Synthesizer
	events      EventBroadcaster
	ledger      Ledger
	uploader    Uploader
	prompts     Prompts
	metrics     *metrics.Pipeline
	log         *slog.Logger
}

func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("pipeline: artifact store is required")
	case d.Bus == nil:
		return nil, fmt.Errorf("pipeline: bus is required")
	case d.Converter == nil:
		return nil, fmt.Errorf("pipeline: converter is required")
	case d.Transcriber == nil:
		return nil, fmt.Errorf("pipeline: transcriber is required")
	case d.Summarizer == nil:
		return nil, fmt.Errorf("pipeline: summary generator is required")
	case d.Synthesizer == nil:
		return nil, fmt.Errorf("pipeline: synthesizer is required")
	}

	if d.Lecture == nil {
		d.Lecture = NewLectureState()
	}
	if d.Exchange == nil {
		d.Exchange = NewExchangeState()
	}
	if d.Responder == nil {
		d.Responder = d.Summarizer
	}
	if d.Prompts.Summary == "" || d.Prompts.Persona == "" {
		defaults := DefaultPrompts()
		if d.Prompts.Summary == "" {
			d.Prompts.Summary = defaults.Summary
		}
		if d.Prompts.Persona == "" {
			d.Prompts.Persona = defaults.Persona
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	return &Pipeline{
		store:       d.Store,
		bus:         d.Bus,
		lecture:     d.Lecture,
		exchange:    d.Exchange,
		converter:   d.Converter,
		transcriber: d.Transcriber,
		summarizer:  d.Summarizer,
		responder:   d.Responder,
		synthesizer: d.Synthesizer,
		events:      d.Events,
		ledger:      d.Ledger,
		uploader:    d.Uploader,
		prompts:     d.Prompts,
		metrics:     d.Metrics,
		log:         d.Logger,
	}, nil
}

// Register binds every stage handler to its topic.
func (p *Pipeline) Register() error {
	subs := []struct {
		topic    string
		listener string
		handler  bus.Handler
	}{
		{TopicAudio, AudioListener, p.HandleAudio},
		{TopicTranscript, TranscriptListener, p.HandleTranscript},
		{TopicQuestion, QuestionListener, p.HandleQuestion},
		{TopicResponse, ResponseListener, p.HandleResponse},
	}
	for _, s := range subs {
		if err := p.bus.Subscribe(s.topic, s.listener, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

func (p *Pipeline) Lecture() *LectureState {
	return p.lecture
}

func (p *Pipeline) Exchange() *ExchangeState {
	return p.exchange
}

// generate calls g and sanitizes the result. An empty result is reported
// but not treated as an error, so the flow still produces an artifact.
func (p *Pipeline) generate(ctx context.Context, stage string, g Generator, system, user string) (string, error) {
	text, err := g.Generate(ctx, system, user)
	if err != nil {
		return "", err
	}
	clean := Sanitize(text)
	if strings.TrimSpace(clean) == "" {
		p.log.Warn("generator returned empty text", "stage", stage)
		p.metrics.RecordEmptyResult(stage)
	}
	return clean, nil
}
