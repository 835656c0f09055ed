// Terminal client for the voice relay: captures the microphone, streams PCM
// frames to the relay, and plays the synthesized reply.
//
// Controls:
//
//	Enter  - toggle recording (idle <-> recording)
//	q      - quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openmodal/voicerelay/client"
)

const (
	captureSampleRate  = 16000 // what the relay forwards upstream
	playbackSampleRate = 24000 // what the model synthesizes
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	sessionID := flag.String("session", "", "session id (server assigns one when empty)")
	rag := flag.Bool("rag", false, "ground answers on documents uploaded for this session")
	prompt := flag.String("prompt", "", "system prompt override")
	flag.Parse()

	mic, err := newMicSource(captureSampleRate)
	if err != nil {
		log.Fatalf("Failed to open microphone: %v", err)
	}
	defer mic.Release()

	speaker, err := newSpeakerSink(playbackSampleRate)
	if err != nil {
		log.Fatalf("Failed to open speaker: %v", err)
	}
	defer speaker.Close()

	ctrl := client.New(client.Config{
		URL:          *url,
		SessionID:    *sessionID,
		SystemPrompt: *prompt,
		RAGEnabled:   *rag,
		Capture: client.CaptureConfig{
			SampleRate:    captureSampleRate,
			FrameDuration: 20 * time.Millisecond,
		},
		OnStatus: func(msg string) {
			fmt.Printf("\n[status] %s\n> ", msg)
		},
	}, mic, speaker)
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctrl.Close()
		os.Exit(0)
	}()

	if err := ctrl.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	fmt.Println("🎙 Connected. Press Enter to start/stop recording, q to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "q" {
			break
		}
		if err := ctrl.ToggleRecording(); err != nil {
			fmt.Printf("cannot toggle: %v\n", err)
		}
		fmt.Printf("[%s / %s] dropped=%d\n> ",
			ctrl.ConnectionState(), ctrl.ConversationState(), ctrl.FramesDropped())
	}

	ctrl.Disconnect()
	fmt.Println("Bye.")
}
