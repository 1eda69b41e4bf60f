package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"memoire/internal/parser"
)

// Watch ingests every supported file under dir once and then re-ingests files as
// they are created or written, until ctx is cancelled.
func (in *Ingestor) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && hidden(path) {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		if in.shouldIngest(path) {
			in.ingestLogged(ctx, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	in.log.Info().Str("dir", dir).Msg("Watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if path, ok := in.handleEvent(event); ok {
				if info, err := os.Stat(path); err == nil && info.IsDir() {
					if err := watcher.Add(path); err != nil {
						in.log.Warn().Err(err).Str("dir", path).Msg("Cannot watch directory")
					}
					continue
				}
				in.ingestLogged(ctx, path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleEvent returns the path to (re)ingest for an event, if any. New
// directories are returned too so the caller can start watching them.
func (in *Ingestor) handleEvent(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return "", false
	}
	if hidden(event.Name) {
		return "", false
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		return event.Name, true
	}
	return event.Name, in.shouldIngest(event.Name)
}

func (in *Ingestor) shouldIngest(path string) bool {
	return !hidden(path) && parser.Supported(path)
}

func (in *Ingestor) ingestLogged(ctx context.Context, path string) {
	if _, err := in.IngestFile(ctx, path); err != nil {
		in.log.Error().Err(err).Str("path", path).Msg("Ingesting file failed")
	}
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
