package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/service/audio"
)

// Stream audio in 100ms chunks to simulate a live recording.
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/session-16khz.wav", "Path to WAV file (16-bit PCM)")
	server := flag.String("server", "localhost:8080", "HTTP API address")
	sessionID := flag.String("session", "test-session-"+time.Now().Format("150405"), "Session ID")
	teamID := flag.String("team", "team-demo", "Care team ID")
	watch := flag.Bool("watch", true, "Print live fragments and flags while streaming")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	format, err := audio.ReadWAVHeader(f)
	if err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	log.Printf("WAV file: channels=%d sampleRate=%d bitsPerSample=%d",
		format.Channels, format.SampleRate, format.BitsPerSample)
	if format.SampleRate != audio.DefaultFormat.SampleRate {
		log.Printf("Warning: Sample rate is %d Hz, service expects %d Hz", format.SampleRate, audio.DefaultFormat.SampleRate)
	}

	base := "http://" + *server + "/v1/sessions/" + url.PathEscape(*sessionID)
	if _, err := post(base+"/start", map[string]string{"teamId": *teamID}); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	log.Printf("Session started: sessionId=%s teamId=%s", *sessionID, *teamID)

	wsBase := "ws://" + *server + "/v1/sessions/" + url.PathEscape(*sessionID)
	watchDone := make(chan struct{})
	if *watch {
		go watchEvents(wsBase+"/events", watchDone)
	} else {
		close(watchDone)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/audio", nil)
	if err != nil {
		log.Fatalf("Failed to open audio ingest: %v", err)
	}

	chunkSize := format.BytesPerSecond() * chunkIntervalMs / 1000
	if chunkSize <= 0 {
		chunkSize = 3200
	}
	chunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			chunkNum++
			totalBytes += int64(n)
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk[:n]); err != nil {
				log.Fatalf("Failed to send frame: %v", err)
			}
			if chunkNum%10 == 0 {
				log.Printf("Sent chunk %d (%d bytes total, offset=%dms)", chunkNum, totalBytes, format.DurationMs(totalBytes))
			}
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))
	log.Println("Stopping session, waiting for final transcripts...")

	body, err := post(base+"/stop", nil)
	if err != nil {
		log.Fatalf("Failed to stop session: %v", err)
	}
	select {
	case <-watchDone:
	case <-time.After(5 * time.Second):
	}
	log.Printf("Session stopped: %s", body)
}

func post(u string, payload any) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	resp, err := http.Post(u, "application/json", rd)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return body, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return bytes.TrimSpace(body), nil
}

func watchEvents(u string, done chan<- struct{}) {
	defer close(done)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		log.Printf("Failed to subscribe: %v", err)
		return
	}
	defer conn.Close()

	for {
		var ev models.LiveEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		switch ev.Kind {
		case models.EventKindFragment:
			if ev.Fragment != nil && ev.Fragment.IsFinal {
				log.Printf("[speaker %d] %s", ev.Fragment.Speaker, ev.Fragment.Text)
			}
		case models.EventKindFlag:
			if ev.Flag != nil {
				log.Printf("FLAG %s severity=%s confidence=%.2f %q", ev.Flag.Type, ev.Flag.Severity, ev.Flag.Confidence, ev.Flag.MatchedText)
			}
		case models.EventKindState:
			log.Printf("State: %s", ev.State)
		}
	}
}
