// Package bootstrap loads a declarative manifests.yaml file at startup and
// schedules its entries through scheduler.Service. Production deployments
// register manifests through the HTTP admin API or the
// Schedule/ScheduleMany Go API; this package is the third,
// development-oriented path: a debounced fsnotify loop re-reading and
// re-scheduling a single manifest file.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/trestle/engine/internal/scheduler"
)

// File is the YAML shape of a manifests.yaml bootstrap document.
type File struct {
	Manifests []ManifestSpec `yaml:"manifests"`
}

// ManifestSpec is one YAML entry, mapping directly onto scheduler.Spec.
type ManifestSpec struct {
	ExternalID   string `yaml:"externalId"`
	WorkflowName string `yaml:"workflowName"`
	FullName     string `yaml:"fullName"`
	PropertyType string `yaml:"propertyType"`
	Input        any    `yaml:"input"`

	Group      string `yaml:"group"`
	Priority   int    `yaml:"priority"`
	MaxRetries int    `yaml:"maxRetries"`
	IsEnabled  *bool  `yaml:"isEnabled"`

	Cron            string `yaml:"cron"`
	IntervalSeconds int64  `yaml:"intervalSeconds"`
	OnDemand        bool   `yaml:"onDemand"`
}

// toSchedulerSpec converts one YAML entry to a scheduler.Spec, defaulting
// IsEnabled to true when the key is omitted.
func (m ManifestSpec) toSchedulerSpec() scheduler.Spec {
	enabled := true
	if m.IsEnabled != nil {
		enabled = *m.IsEnabled
	}
	return scheduler.Spec{
		ExternalID:      m.ExternalID,
		WorkflowName:    m.WorkflowName,
		FullName:        m.FullName,
		PropertyType:    m.PropertyType,
		Input:           m.Input,
		Group:           m.Group,
		Priority:        m.Priority,
		MaxRetries:      m.MaxRetries,
		IsEnabled:       enabled,
		Cron:            m.Cron,
		IntervalSeconds: m.IntervalSeconds,
		OnDemand:        m.OnDemand,
	}
}

// Parse decodes a manifests.yaml document from raw bytes. Entries are not
// validated here.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("bootstrap: parse manifests.yaml: %w", err)
	}
	return f, nil
}

// Load reads path and schedules every entry it contains through svc. A
// missing file is not an error -- bootstrap files are optional.
func Load(ctx context.Context, svc *scheduler.Service, path string) ([]*scheduler.Spec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if len(f.Manifests) == 0 {
		return nil, nil
	}

	specs := make([]scheduler.Spec, 0, len(f.Manifests))
	refs := make([]*scheduler.Spec, 0, len(f.Manifests))
	for i := range f.Manifests {
		spec := f.Manifests[i].toSchedulerSpec()
		specs = append(specs, spec)
		refs = append(refs, &specs[i])
	}

	if _, err := svc.ScheduleMany(ctx, specs); err != nil {
		return nil, fmt.Errorf("bootstrap: schedule %s: %w", path, err)
	}
	return refs, nil
}

// debounceDelay is how long Watch waits after the last write event before
// re-reading the file, absorbing editors that save in multiple small
// writes.
const debounceDelay = 300 * time.Millisecond

// Watch loads path once, then re-loads and re-schedules it whenever it
// changes on disk until ctx is cancelled. It is meant for local development
// only; production deployments schedule manifests through the
// HTTP admin API and never call Watch. Each reload schedules the whole file
// again: an entry without an externalId gets a fresh one and so is created
// again, while an entry whose externalId already exists is rejected by the
// store's uniqueness constraint; that error is logged, not retried, and the
// entries after it in the file are not scheduled on that reload. Existing
// manifests are never edited in place.
func Watch(ctx context.Context, svc *scheduler.Service, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	if _, err := Load(ctx, svc, path); err != nil {
		log.Error("bootstrap: initial load failed", "path", path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("bootstrap: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("bootstrap: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		var pending bool
		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if !pending {
						pending = true
						timer.Reset(debounceDelay)
					}
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("bootstrap: watcher error", "path", path, "error", err)

			case <-timer.C:
				pending = false
				if _, err := Load(ctx, svc, path); err != nil {
					log.Error("bootstrap: reload failed", "path", path, "error", err)
				} else {
					log.Info("bootstrap: reloaded manifests", "path", path)
				}
			}
		}
	}()

	return nil
}
