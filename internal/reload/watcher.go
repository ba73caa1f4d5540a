// Package reload rebuilds the active profile when its files change and
// hands the result to the render loop.
package reload

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/profile"
)

// Watcher delivers paths of changed files.
type Watcher interface {
	Changes() <-chan string
	Close() error
}

// FSWatcher watches directories for changes to scripts, manifests and
// profiles. Other files are ignored.
type FSWatcher struct {
	w    *fsnotify.Watcher
	out  chan string
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewFSWatcher(dirs ...string) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", d, err)
		}
	}
	fw := &FSWatcher{w: w, out: make(chan string, 64), done: make(chan struct{})}
	fw.wg.Add(1)
	go fw.loop()
	return fw, nil
}

func (fw *FSWatcher) loop() {
	defer fw.wg.Done()
	defer close(fw.out)
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !Relevant(ev.Name) {
				continue
			}
			log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("file changed")
			select {
			case fw.out <- ev.Name:
			case <-fw.done:
				return
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher")
		case <-fw.done:
			return
		}
	}
}

func (fw *FSWatcher) Changes() <-chan string { return fw.out }

func (fw *FSWatcher) Close() error {
	var err error
	fw.once.Do(func() {
		close(fw.done)
		err = fw.w.Close()
		fw.wg.Wait()
	})
	return err
}

// Relevant reports whether a change to path can affect a profile.
func Relevant(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".lua") || strings.HasSuffix(base, ".manifest") || profile.IsProfileFile(base)
}
