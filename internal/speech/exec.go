package speech

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/hilitelabs/narrate-core/internal/timing"
)

// execProvider spawns an external synthesis command per utterance. The
// command reads one JSON request on stdin and writes JSON lines on
// stdout: optionally a marks line first, then base64 PCM chunks until
// one carries final=true. Playback position comes from a wall-clock
// handle; actual audio output is the host's concern.
type execProvider struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execLine struct {
	Marks     []timing.SpeechMark `json:"marks,omitempty"`
	PCMBase64 string              `json:"pcm_base64,omitempty"`
	Final     bool                `json:"final,omitempty"`
}

func NewExecProvider(command string, sampleRate, channels int) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command empty")
	}
	return &execProvider{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execProvider) Capabilities() Capabilities {
	return Capabilities{
		CanPause:           true,
		CanResume:          true,
		ProvidesWordTiming: true,
		ProvidesPosition:   true,
		ProvidesDuration:   true,
	}
}

func (e *execProvider) Synthesize(ctx context.Context, req Request) (Synthesis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Synthesis{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Synthesis{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Synthesis{}, err
	}
	if err := cmd.Start(); err != nil {
		return Synthesis{}, err
	}

	if _, err := stdin.Write(payload); err != nil {
		_ = cmd.Wait()
		return Synthesis{}, err
	}
	stdin.Close()

	var marks []timing.SpeechMark
	pcmBytes := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execLine
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return Synthesis{}, fmt.Errorf("decode speech command output: %w", err)
		}
		if len(resp.Marks) > 0 {
			marks = append(marks, resp.Marks...)
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				_ = cmd.Wait()
				return Synthesis{}, fmt.Errorf("decode pcm chunk: %w", err)
			}
			pcmBytes += len(pcm)
		}
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return Synthesis{}, fmt.Errorf("speech command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return Synthesis{}, err
	}

	// 16-bit PCM: duration follows from byte count.
	bytesPerMs := float64(e.sampleRate*e.channels*2) / 1000.0
	durationMs := 0.0
	if bytesPerMs > 0 {
		durationMs = float64(pcmBytes) / bytesPerMs
	}
	return Synthesis{Handle: newClockHandle(durationMs), Marks: marks}, nil
}
