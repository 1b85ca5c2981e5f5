package vault

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher invalidates cached plaintext when a vault password file changes.
type Watcher struct {
	vault   *Vault
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	// files maps cleaned password file paths to vault ids.
	files map[string][]string
}

// NewWatcher watches every FileSource in v's keyring. Directories are
// watched rather than files so that editors replacing the file are noticed.
func NewWatcher(v *Vault, logger zerolog.Logger) (*Watcher, error) {
	files := make(map[string][]string)
	for _, id := range v.keyring.IDs() {
		src, _ := v.keyring.Source(id)
		fs, ok := src.(*FileSource)
		if !ok {
			continue
		}
		abs, err := filepath.Abs(fs.Path())
		if err != nil {
			abs = fs.Path()
		}
		abs = filepath.Clean(abs)
		files[abs] = append(files[abs], id)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for path := range files {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := fsw.Add(dir); err != nil {
			logger.Warn().Err(err).Str("path", dir).Msg("failed to watch vault password directory")
		}
	}

	return &Watcher{vault: v, logger: logger, watcher: fsw, files: files}, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("vault password watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	ids, ok := w.files[filepath.Clean(event.Name)]
	if !ok {
		return
	}
	for _, id := range ids {
		w.logger.Debug().
			Str("file", event.Name).
			Str("op", event.Op.String()).
			Str("vault_id", id).
			Msg("vault password file changed")
		w.vault.Invalidate(id)
	}
}
