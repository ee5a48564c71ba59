// Package speech coordinates text-to-speech playback through external
// synthesizer programs. The coordinator owns the synthesizer subprocess
// completely: exactly one runs while speaking, none in any other state,
// and stopping never leaves an orphan behind.
package speech

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
)

// State of the playback coordinator.
type State uint8

const (
	Idle State = iota
	Speaking
	Paused
)

func (s State) String() string {
	switch s {
	case Speaking:
		return "speaking"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// Speaker turns a text chunk into the subprocess invocations that voice it.
type Speaker interface {
	Name() string
	// Commands returns the commands to run in order for one chunk, plus a
	// cleanup for any temp artifacts. Commands are built fresh per chunk.
	Commands(ctx context.Context, text string) ([]*exec.Cmd, func(), error)
}

type mimicSpeaker struct{ path string }

func (s *mimicSpeaker) Name() string { return "mimic" }
func (s *mimicSpeaker) Commands(ctx context.Context, text string) ([]*exec.Cmd, func(), error) {
	return []*exec.Cmd{exec.CommandContext(ctx, s.path, "-t", text)}, func() {}, nil
}

type picoSpeaker struct{ pico, play string }

func (s *picoSpeaker) Name() string { return "pico2wave" }
func (s *picoSpeaker) Commands(ctx context.Context, text string) ([]*exec.Cmd, func(), error) {
	dir, err := os.MkdirTemp("", "epy-tts-")
	if err != nil {
		return nil, nil, err
	}
	wav := filepath.Join(dir, "chunk.wav")
	return []*exec.Cmd{
		exec.CommandContext(ctx, s.pico, "-w", wav, text),
		exec.CommandContext(ctx, s.play, wav),
	}, func() { os.RemoveAll(dir) }, nil
}

type espeakSpeaker struct{ path string }

func (s *espeakSpeaker) Name() string { return "espeak-ng" }
func (s *espeakSpeaker) Commands(ctx context.Context, text string) ([]*exec.Cmd, func(), error) {
	return []*exec.Cmd{exec.CommandContext(ctx, s.path, text)}, func() {}, nil
}

// Probe locates a usable synthesizer. With an explicit name only that
// program is considered; otherwise known ones are tried in preference
// order. Absence is a capability gap, not a failure.
func Probe(preferred string) (Speaker, error) {
	try := func(name string) (Speaker, bool) {
		switch name {
		case "mimic":
			if p, err := exec.LookPath("mimic"); err == nil {
				return &mimicSpeaker{path: p}, true
			}
		case "pico2wave":
			p, err := exec.LookPath("pico2wave")
			if err != nil {
				return nil, false
			}
			play, err := exec.LookPath("play")
			if err != nil {
				return nil, false
			}
			return &picoSpeaker{pico: p, play: play}, true
		case "espeak-ng":
			if p, err := exec.LookPath("espeak-ng"); err == nil {
				return &espeakSpeaker{path: p}, true
			}
		}
		return nil, false
	}

	if preferred != "" {
		if s, ok := try(preferred); ok {
			return s, nil
		}
		return nil, &ebook.CapabilityMissing{
			Capability: "text-to-speech",
			Err:        fmt.Errorf("configured synthesizer %q not found in PATH", preferred),
		}
	}
	for _, name := range []string{"mimic", "pico2wave", "espeak-ng"} {
		if s, ok := try(name); ok {
			return s, nil
		}
	}
	return nil, &ebook.CapabilityMissing{
		Capability: "text-to-speech",
		Err:        fmt.Errorf("no synthesizer found in PATH (tried mimic, pico2wave, espeak-ng)"),
	}
}

// maxChunkRunes bounds how much text goes to the synthesizer per process,
// keeping stop latency to one chunk at worst.
const maxChunkRunes = 800

// Coordinator runs playback as a strict state machine. All transitions go
// through the mutex; the playback goroutine reports completion on Done.
type Coordinator struct {
	speaker Speaker
	tok     *sentences.DefaultSentenceTokenizer
	log     *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	proc   *os.Process // synthesizer currently voicing a chunk
	gen    int         // playback generation, stale goroutines check it

	done chan struct{}
}

// New builds a coordinator around a probed speaker.
func New(speaker Speaker, log *zap.Logger) (*Coordinator, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("sentence tokenizer: %w", err)
	}
	return &Coordinator{
		speaker: speaker,
		tok:     tok,
		log:     log,
		done:    make(chan struct{}, 1),
	}, nil
}

// Done signals that a Speak call voiced all its text. The session treats
// it as an event and queues the next page.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Chunks splits text into synthesizer-sized pieces on sentence boundaries.
func (c *Coordinator) Chunks(text string) []string {
	var chunks []string
	var cur strings.Builder
	for _, s := range c.tok.Tokenize(text) {
		t := strings.TrimSpace(s.Text)
		if t == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(t) > maxChunkRunes {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(t)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// Speak starts voicing text. An active playback is stopped first, so the
// last Speak always wins.
func (c *Coordinator) Speak(text string) error {
	c.Stop()

	chunks := c.Chunks(text)
	c.mu.Lock()
	if len(chunks) == 0 {
		c.mu.Unlock()
		c.signalDone()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = Speaking
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.run(ctx, gen, chunks)
	return nil
}

func (c *Coordinator) run(ctx context.Context, gen int, chunks []string) {
	for _, chunk := range chunks {
		if err := c.voice(ctx, gen, chunk); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("synthesizer failed", zap.String("speaker", c.speaker.Name()), zap.Error(err))
			}
			c.settle(gen, false)
			return
		}
	}
	c.settle(gen, true)
}

func (c *Coordinator) voice(ctx context.Context, gen int, chunk string) error {
	cmds, cleanup, err := c.speaker.Commands(ctx, chunk)
	if err != nil {
		return err
	}
	defer cleanup()
	for _, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			return err
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			cmd.Process.Kill()
			cmd.Wait()
			return ctx.Err()
		}
		c.proc = cmd.Process
		if c.state == Paused {
			// a Pause landed between this chunk's commands, while no
			// process existed to signal; hold the fresh one too
			cmd.Process.Signal(syscall.SIGSTOP)
		}
		c.mu.Unlock()

		err := cmd.Wait()

		c.mu.Lock()
		c.proc = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// settle moves back to Idle after a playback goroutine finishes, ignoring
// goroutines already superseded by a newer Speak.
func (c *Coordinator) settle(gen int, completed bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.cancel = nil
	c.mu.Unlock()
	if completed {
		c.signalDone()
	}
}

func (c *Coordinator) signalDone() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

// Pause suspends the running synthesizer in place.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Speaking {
		return
	}
	if c.proc != nil {
		if err := c.proc.Signal(syscall.SIGSTOP); err != nil {
			c.log.Debug("pause signal failed", zap.Error(err))
			return
		}
	}
	c.state = Paused
}

// Resume continues a paused playback.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return
	}
	if c.proc != nil {
		if err := c.proc.Signal(syscall.SIGCONT); err != nil {
			c.log.Debug("resume signal failed", zap.Error(err))
			return
		}
	}
	c.state = Speaking
}

// Stop ends playback immediately and returns to Idle. No completion event
// is emitted for a stopped playback.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.proc != nil {
		c.proc.Signal(syscall.SIGCONT) // wake it first in case playback is paused
		c.proc.Kill()
	}
	c.state = Idle
	c.mu.Unlock()

	// drain a completion raced in before the stop
	select {
	case <-c.done:
	default:
	}
}
