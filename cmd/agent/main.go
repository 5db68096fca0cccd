// Command agent is a reference WebSocket CLI client: microphone in, speaker
// out, driving a running cmd/server instance for manual end-to-end testing.
// It plays the role the browser plays in production — everything it does is
// just framing §4.5's inbound/outbound event vocabulary over coder/websocket.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
)

const (
	sampleRate = 16000
	channels   = 1

	// speechThreshold is the RMS level above which a capture frame is
	// considered speech rather than silence or room noise.
	speechThreshold = 0.02
	// silenceHangover is how long RMS must stay below speechThreshold after
	// speech was detected before the client closes the utterance.
	silenceHangover = 900 * time.Millisecond
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("agent: no .env file found, using process environment")
	}

	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:8001"
	}
	wsURL := strings.TrimSuffix(serverURL, "/") + "/socket.io/"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("agent: dialing %s\n", wsURL)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("agent: dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	send := make(chan map[string]interface{}, 64)

	var playback playbackBuffer

	go writeLoop(ctx, conn, send)
	go readLoop(ctx, conn, &playback)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("agent: malgo init: %v", err)
	}
	defer mctx.Uninit()

	var speaking bool
	var lastSpeechAt time.Time

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rms := rmsOf(pInput)
			now := time.Now()

			if rms > speechThreshold {
				if !speaking && playback.Len() > 0 {
					// User started talking while the assistant is still
					// speaking: barge in rather than let the two collide.
					playback.Clear()
					trySend(send, map[string]interface{}{"type": "stop_tts", "reason": "barge_in"})
				}
				speaking = true
				lastSpeechAt = now
			}

			if speaking {
				trySend(send, map[string]interface{}{
					"type": "audio_chunk",
					"data": base64.StdEncoding.EncodeToString(pInput),
				})
				if now.Sub(lastSpeechAt) > silenceHangover {
					speaking = false
					trySend(send, map[string]interface{}{"type": "audio_end"})
				}
			}
		}
		if pOutput != nil {
			playback.Read(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatalf("agent: device init: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("agent: device start: %v", err)
	}

	fmt.Println("agent: listening on microphone, speak to begin. Ctrl+C to exit.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nagent: shutting down")
}

func rmsOf(pcm []byte) float64 {
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		f := float64(sample) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// trySend enqueues a frame without blocking the realtime audio callback; a
// full channel means the writer is behind, so the frame is dropped.
func trySend(send chan map[string]interface{}, frame map[string]interface{}) {
	select {
	case send <- frame:
	default:
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan map[string]interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-send:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				log.Printf("agent: write failed: %v", err)
				return
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, playback *playbackBuffer) {
	for {
		var frame map[string]interface{}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			log.Printf("agent: connection closed: %v", err)
			return
		}
		handleFrame(frame, playback)
	}
}

func handleFrame(frame map[string]interface{}, playback *playbackBuffer) {
	evtType, _ := frame["type"].(string)
	switch evtType {
	case "hello":
		fmt.Println("agent: connected")
	case "partial_transcription":
		fmt.Printf("\r[partial] %v", frame["text"])
	case "result_stt":
		fmt.Printf("\n[you]  %v\n", frame["text"])
	case "llm_first_token":
		fmt.Print("[bot]  ")
	case "llm_token":
		fmt.Print(frame["token"])
	case "result_llm":
		fmt.Println()
	case "audio_chunk":
		if data, ok := frame["audio"].(string); ok {
			if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
				playback.Write(raw)
			}
		}
	case "tts_cancelled":
		fmt.Printf("\n[bot]  (cancelled: %v)\n", frame["reason"])
	case "pipeline_complete":
		fmt.Printf("[done] total_chunks=%v\n", frame["total_chunks"])
	case "error":
		fmt.Printf("\n[error][%v] %v\n", frame["stage"], frame["message"])
	case "server_heartbeat", "pong", "metrics":
		// silent; these are just keepalive/diagnostic traffic
	default:
		fmt.Printf("[%s] %v\n", evtType, frame)
	}
}

// playbackBuffer is a simple byte queue the device callback drains into its
// output buffer, fed by audio_chunk frames from the server.
type playbackBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (p *playbackBuffer) Write(chunk []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, chunk...)
	p.mu.Unlock()
}

func (p *playbackBuffer) Read(out []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func (p *playbackBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *playbackBuffer) Clear() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}
