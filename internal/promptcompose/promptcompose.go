// Package promptcompose renders task prompts through text/template against
// a struct of computed aggregates. Templates are data, never code: a new
// indicator or report section is added by dropping a .tmpl file in the
// prompts directory, not by changing Go source.
package promptcompose

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

// Composer loads and caches *.tmpl files from a directory and renders them
// against arbitrary data.
type Composer struct {
	dir string

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// New creates a Composer, eagerly loading every *.tmpl file under dir.
func New(dir string) (*Composer, error) {
	c := &Composer{dir: dir}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Composer) load() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.tmpl"))
	if err != nil {
		return fmt.Errorf("promptcompose.load: glob: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("promptcompose.load: no templates found under %s", c.dir)
	}

	templates := make(map[string]*template.Template, len(matches))
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".tmpl")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("promptcompose.load: read %s: %w", path, err)
		}
		tmpl, err := template.New(name).Parse(string(data))
		if err != nil {
			return fmt.Errorf("promptcompose.load: parse %s: %w", path, err)
		}
		templates[name] = tmpl
	}

	c.mu.Lock()
	c.templates = templates
	c.mu.Unlock()
	return nil
}

// HotReload re-reads every template from disk without restarting the process.
func (c *Composer) HotReload() error {
	return c.load()
}

// Compose renders the named template against data. name is the template's
// filename without the .tmpl suffix (e.g. "extraction", "report", "chatbot").
func (c *Composer) Compose(name string, data any) (string, error) {
	c.mu.RLock()
	tmpl, ok := c.templates[name]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("promptcompose.Compose: unknown template %q", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("promptcompose.Compose(%s): %w", name, err)
	}
	return buf.String(), nil
}

// Names returns every loaded template name (for inspection/testing).
func (c *Composer) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for k := range c.templates {
		names = append(names, k)
	}
	return names
}
