package memory

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// Prompts holds the derivation and summarization templates. Templates are
// data: operators can override them by dropping files into the prompt dir,
// and edits take effect without a restart.
type Prompts struct {
	mu        sync.RWMutex
	derive    *template.Template
	summarize *template.Template

	dir     string
	watcher *fsnotify.Watcher
}

// LoadPrompts loads templates from dir, falling back to the embedded
// defaults for any file that is absent. An empty dir uses defaults only.
func LoadPrompts(dir string) (*Prompts, error) {
	p := &Prompts{dir: dir}
	if err := p.reload(); err != nil {
		return nil, err
	}

	if dir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch prompt dir: %w", err)
		}
		p.watcher = watcher
		go p.watch()
	}

	return p, nil
}

func (p *Prompts) watch() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				slog.Warn("prompt reload failed, keeping previous templates", "error", err)
				continue
			}
			slog.Info("memory prompts reloaded", "file", event.Name)
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *Prompts) reload() error {
	derive, err := p.loadOne("derive.tmpl")
	if err != nil {
		return err
	}
	summarize, err := p.loadOne("summarize.tmpl")
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.derive = derive
	p.summarize = summarize
	p.mu.Unlock()
	return nil
}

func (p *Prompts) loadOne(name string) (*template.Template, error) {
	if p.dir != "" {
		path := filepath.Join(p.dir, name)
		if raw, err := os.ReadFile(path); err == nil {
			tmpl, err := template.New(name).Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("failed to parse prompt %s: %w", path, err)
			}
			return tmpl, nil
		}
	}

	raw, err := defaultTemplates.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("missing embedded prompt %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompt %s: %w", name, err)
	}
	return tmpl, nil
}

// Close stops the directory watcher.
func (p *Prompts) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *Prompts) renderDerive(data any) (string, error) {
	p.mu.RLock()
	tmpl := p.derive
	p.mu.RUnlock()
	return render(tmpl, data)
}

func (p *Prompts) renderSummarize(data any) (string, error) {
	p.mu.RLock()
	tmpl := p.summarize
	p.mu.RUnlock()
	return render(tmpl, data)
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
