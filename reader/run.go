// Package reader wires the reading session together: library, format
// adapters, external programs and the terminal frontend.
package reader

import (
	"context"
	"fmt"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/wustho/epy/dict"
	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/imageview"
	"github.com/wustho/epy/library"
	"github.com/wustho/epy/load"
	"github.com/wustho/epy/session"
	"github.com/wustho/epy/speech"
	"github.com/wustho/epy/state"
	"github.com/wustho/epy/tui"
)

// Run is the read subcommand: open the target (or a recent book) and
// hand control to the interactive session until the user quits.
func Run(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	log := env.Log
	cfg := env.Cfg

	// persistence failures degrade to a session-only reader
	store, err := library.Open(cfg.Library.Backend, cfg.Library.Path, log)
	if err != nil {
		log.Warn("library unavailable, positions will not be saved", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
	}

	env.InitialTOC = cmd.Bool("toc")

	target, err := resolveTarget(cmd, store)
	if err != nil {
		return err
	}

	doc, err := load.Document(ctx, target, load.Options{
		WebTimeout: time.Duration(cfg.Web.TimeoutSeconds) * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("unable to open '%s': %w", target, err)
	}
	defer doc.Close()
	log.Info("Book opened",
		zap.String("path", doc.ID.Path),
		zap.String("title", doc.Meta.Title),
		zap.Int("chapters", len(doc.Chapters)))

	speaker, speechDone := probeSpeech(cfg.Programs.TTS, log)
	lookup := probeDict(ctx, cfg.Programs.Dictionary, log)
	openImage, closeViewer := probeViewer(cfg.Programs.ImageViewer, log)
	if closeViewer != nil {
		defer closeViewer()
	}

	term, err := tui.New(tui.Options{
		ColorScheme: cfg.Reader.ColorScheme,
		Mouse:       cfg.Reader.Pointer,
	}, log)
	if err != nil {
		return err
	}
	defer term.Close()

	sess, err := session.New(session.Config{
		Doc:           doc,
		Store:         store,
		Renderer:      term,
		Log:           log,
		TextWidth:     cfg.Reader.TextWidth,
		DoubleSpread:  cfg.Reader.DoubleSpread,
		Seamless:      cfg.Reader.Seamless,
		TitleTemplate: cfg.Reader.TitleTemplate,
		Speaker:       speaker,
		Lookup:        lookup,
		OpenImage:     openImage,
		InitialTOC:    env.InitialTOC,
	})
	if err != nil {
		return fmt.Errorf("unable to start session: %w", err)
	}
	err = sess.Run(ctx, term.Events(), speechDone)
	if err == context.Canceled {
		return nil
	}
	return err
}

// resolveTarget picks what to read: the explicit argument, or the n-th
// most recent library entry.
func resolveTarget(cmd *cli.Command, store library.Store) (string, error) {
	if cmd.Args().Len() > 0 {
		return cmd.Args().Get(0), nil
	}
	if store == nil {
		return "", fmt.Errorf("no book given and the library is unavailable")
	}
	n := int(cmd.Int("recent"))
	if n < 1 {
		n = 1
	}
	entries, err := store.Recent(n)
	if err != nil {
		return "", fmt.Errorf("unable to read the library: %w", err)
	}
	if len(entries) < n {
		return "", fmt.Errorf("no book given and the library has no entry %d", n)
	}
	return entries[n-1].Path, nil
}

func probeSpeech(program string, log *zap.Logger) (session.Speaker, <-chan struct{}) {
	sp, err := speech.Probe(program)
	if err != nil {
		if ebook.IsCapabilityMissing(err) {
			log.Info("text-to-speech disabled", zap.Error(err))
		} else {
			log.Warn("text-to-speech disabled", zap.Error(err))
		}
		return nil, nil
	}
	coord, err := speech.New(sp, log)
	if err != nil {
		log.Warn("text-to-speech disabled", zap.Error(err))
		return nil, nil
	}
	log.Debug("synthesizer found", zap.String("program", sp.Name()))
	return coord, coord.Done()
}

func probeDict(ctx context.Context, program string, log *zap.Logger) session.WordLookup {
	client, err := dict.Probe(program)
	if err != nil {
		log.Info("dictionary disabled", zap.Error(err))
		return nil
	}
	log.Debug("dictionary found", zap.String("program", client.Name()))
	return func(word string) (string, error) {
		return client.Lookup(ctx, word)
	}
}

func probeViewer(program string, log *zap.Logger) (session.ImageOpener, func()) {
	viewer, err := imageview.Probe(program, log)
	if err != nil {
		log.Info("image viewing disabled", zap.Error(err))
		return nil, nil
	}
	log.Debug("image viewer found", zap.String("program", viewer.Name()))
	closer := func() {
		if err := viewer.Close(); err != nil {
			log.Warn("unable to remove image temp files", zap.Error(err))
		}
	}
	return viewer.Show, closer
}
