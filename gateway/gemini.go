package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"
)

const modelName = "models/gemini-2.5-flash-native-audio-preview-12-2025"

const inputMIMEType = "audio/pcm;rate=16000"

// Gemini implements Gateway over the Gemini Live API using the official SDK.
type Gemini struct {
	client *genai.Client
	voice  string
}

// NewGemini creates the shared client. Sessions are opened per relay session.
func NewGemini(ctx context.Context, apiKey, voice string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, voice: voice}, nil
}

// Open connects a Live session configured with the given system instruction.
func (g *Gemini) Open(ctx context.Context, instruction string) (Session, error) {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: instruction},
			},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: g.voice,
				},
			},
		},
	}

	live, err := g.client.Live.Connect(ctx, modelName, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}

	log.Printf("✅ Connected to Gemini Live via SDK (%s)", modelName)
	return &geminiSession{live: live}, nil
}

type geminiSession struct {
	live *genai.Session

	// pending holds events already translated from the last server message.
	// Only the Receive goroutine touches it.
	pending []Event

	mu     sync.Mutex
	closed bool
}

func (s *geminiSession) Send(pcm []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("gemini session is closed")
	}

	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: inputMIMEType,
			Data:     pcm,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *geminiSession) Receive() (Event, error) {
	for len(s.pending) == 0 {
		msg, err := s.live.Receive()
		if err != nil {
			return Event{}, err
		}
		s.pending = append(s.pending, translate(msg)...)
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *geminiSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.live.Close()
}

// translate flattens one Live server message into events, preserving the
// order of the parts within the model turn.
func translate(msg *genai.LiveServerMessage) []Event {
	var events []Event

	if msg.ServerContent != nil {
		if msg.ServerContent.ModelTurn != nil {
			for _, part := range msg.ServerContent.ModelTurn.Parts {
				if part.Text != "" {
					events = append(events, Event{Kind: EventText, Text: part.Text})
				}
				if part.InlineData != nil {
					events = append(events, Event{Kind: EventAudio, Audio: part.InlineData.Data})
				}
			}
		}

		if msg.ServerContent.TurnComplete {
			events = append(events, Event{Kind: EventEnd})
		}
	}

	return events
}
