// Package watch attaches audio files that appear in the audio directory to
// the records they were generated for.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/ingest"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/queue"
)

// AudioWatcher picks up "<fingerprint><ext>" files written into Dir by an
// out-of-process generator.
type AudioWatcher struct {
	Dir string
	Ext string

	reg    *db.Registry
	writer *ingest.BatchWriter
	queue  *queue.Queue
	log    *logger.Logger
}

// NewAudioWatcher creates an AudioWatcher. q may be nil.
func NewAudioWatcher(dir, ext string, reg *db.Registry, writer *ingest.BatchWriter, q *queue.Queue, log *logger.Logger) *AudioWatcher {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &AudioWatcher{
		Dir:    dir,
		Ext:    ext,
		reg:    reg,
		writer: writer,
		queue:  q,
		log:    logger.OrNop(log).With("component", "audio_watcher"),
	}
}

// Run watches Dir until ctx is done.
func (w *AudioWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create audio dir")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return errors.Wrapf(err, "watch %s", w.Dir)
	}
	w.log.Info("watching audio dir", "dir", w.Dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.log.Debug("fsnotify event", "file", event.Name, "event", event.Op)
			w.Attach(ctx, filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "dir", w.Dir, "error", err)
		}
	}
}

// Attach links the audio file name to its stored record, creating the
// record from the queue when the content was never persisted. It reports
// whether the file was matched.
func (w *AudioWatcher) Attach(ctx context.Context, name string) bool {
	fp, ok := w.fingerprint(name)
	if !ok {
		return false
	}
	for _, kind := range w.reg.Kinds() {
		model, err := w.reg.Model(kind)
		if err != nil {
			continue
		}
		rec, err := model.FindOne(ctx, db.Query{Where: db.Where{Fingerprint: fp}})
		if err != nil {
			w.log.Warn("lookup by fingerprint failed", "kind", kind, "fingerprint", fp, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		w.dequeue(kind, rec.Content)
		if rec.HasVoiceFile(name) {
			return true
		}
		rec.VoiceFiles = append(rec.VoiceFiles, name)
		if w.writer.UpdateContent(ctx, *rec, kind) == nil {
			return false
		}
		w.log.Info("attached audio", "kind", kind, "content", rec.Content, "file", name)
		return true
	}

	item := w.queued(fp)
	if item == nil {
		w.log.Debug("no content for audio file", "file", name)
		return false
	}
	rec := content.Record{Content: item.Content, Kind: item.Kind, VoiceFiles: []string{name}}
	if w.writer.InsertContent(ctx, rec, item.Kind) == nil {
		return false
	}
	w.dequeue(item.Kind, item.Content)
	w.log.Info("stored queued content with audio", "kind", item.Kind, "content", item.Content, "file", name)
	return true
}

func (w *AudioWatcher) fingerprint(name string) (string, bool) {
	ext := filepath.Ext(name)
	if ext == "" || (w.Ext != "" && !strings.EqualFold(ext, w.Ext)) {
		return "", false
	}
	fp := strings.TrimSuffix(name, ext)
	return fp, fp != ""
}

func (w *AudioWatcher) queued(fp string) *content.Item {
	if w.queue == nil {
		return nil
	}
	for _, kind := range content.Kinds {
		for _, it := range w.queue.For(kind).Items() {
			if it.Fingerprint == fp {
				it := it
				return &it
			}
		}
	}
	return nil
}

func (w *AudioWatcher) dequeue(kind content.Kind, c string) {
	if w.queue != nil {
		w.queue.For(kind).RemoveByContent(c)
	}
}
