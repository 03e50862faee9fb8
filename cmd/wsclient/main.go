// Command wsclient joins a running server as one participant: it turns the
// mic on, streams a WAV file as that participant's microphone and prints
// every event of the chat socket.
package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type options struct {
	host     string
	clientID string
	file     string
	chunk    time.Duration
	language string
	linger   time.Duration
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "wsclient",
		Short: "Stream a WAV file to a rapat server as one participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "localhost:8080", "server host and port")
	cmd.Flags().StringVar(&opts.clientID, "id", "wsclient", "client id to speak as")
	cmd.Flags().StringVar(&opts.file, "file", "", "16-bit PCM WAV file to stream (required)")
	cmd.Flags().DurationVar(&opts.chunk, "chunk", 100*time.Millisecond, "audio sent per message")
	cmd.Flags().StringVar(&opts.language, "language", "", "recognition language, server default when empty")
	cmd.Flags().DurationVar(&opts.linger, "linger", 5*time.Second, "time to keep listening after the file ends")
	cmd.MarkFlagRequired("file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options) error {
	pcm, sampleRate, err := loadPCM(opts.file)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %s: %d Hz, %d bytes\n", opts.file, sampleRate, len(pcm))

	// Step 1: join the room
	chatURL := url.URL{Scheme: "ws", Host: opts.host, Path: "/ws/" + opts.clientID}
	chat, _, err := websocket.DefaultDialer.Dial(chatURL.String(), nil)
	if err != nil {
		return fmt.Errorf("chat connection failed: %w", err)
	}
	defer chat.Close()
	go printEvents(chat)

	on := true
	if err := chat.WriteJSON(map[string]interface{}{"type": "mic", "status": &on}); err != nil {
		return fmt.Errorf("failed to turn mic on: %w", err)
	}

	// Step 2: open the microphone
	audioURL := url.URL{Scheme: "ws", Host: opts.host, Path: "/ws/audio/" + opts.clientID}
	q := audioURL.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("encoding", "LINEAR16")
	if opts.language != "" {
		q.Set("language", opts.language)
	}
	audioURL.RawQuery = q.Encode()

	mic, resp, err := websocket.DefaultDialer.Dial(audioURL.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("audio connection failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("audio connection failed: %w", err)
	}
	defer mic.Close()

	// Step 3: stream in real time
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	chunkBytes := int(opts.chunk.Seconds()*float64(sampleRate)) * 2
	if chunkBytes <= 0 {
		return errors.New("chunk duration too small")
	}
	ticker := time.NewTicker(opts.chunk)
	defer ticker.Stop()

	for start := 0; start < len(pcm); start += chunkBytes {
		end := min(start+chunkBytes, len(pcm))
		select {
		case <-ticker.C:
			if err := mic.WriteMessage(websocket.BinaryMessage, pcm[start:end]); err != nil {
				return fmt.Errorf("failed to send audio: %w", err)
			}
		case <-interrupt:
			return closeMic(mic)
		}
	}
	fmt.Println("Finished streaming, waiting for results...")

	select {
	case <-time.After(opts.linger):
	case <-interrupt:
	}
	return closeMic(mic)
}

func closeMic(mic *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return mic.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// loadPCM decodes a WAV file into mono 16-bit little-endian PCM
func loadPCM(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}
	if decoder.BitDepth != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", decoder.BitDepth)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("could not read PCM data: %w", err)
	}
	return monoLinear16(buf), int(decoder.SampleRate), nil
}

// monoLinear16 keeps the first channel of buf
func monoLinear16(buf *goaudio.IntBuffer) []byte {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}

	out := make([]byte, 0, len(buf.Data)/channels*2)
	for i := 0; i < len(buf.Data); i += channels {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(buf.Data[i])))
	}
	return out
}

func printEvents(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("chat connection closed: %v", err)
			}
			return
		}

		var event struct {
			Type      string `json:"type"`
			SpeakerID string `json:"speakerId"`
			IsDone    bool   `json:"isDone"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(message, &event); err == nil && event.Type == "transcript" {
			marker := "..."
			if event.IsDone {
				marker = "✓"
			}
			fmt.Printf("[%s] %s %s\n", event.SpeakerID, event.Message, marker)
			continue
		}
		fmt.Printf("event: %s\n", message)
	}
}
