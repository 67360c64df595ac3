package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ForceRefreshEnv toggles eager snapshot rebuild on every lookup
// (development) vs a cached index (production). Default true.
const ForceRefreshEnv = "FORCE_CONFIG_REFRESH"

// Index discovers anchor files, builds the ordered source list, and indexes
// components by (kind, id) with a first-wins conflict rule. Published
// snapshots are immutable; a rebuild atomically swaps in a new one.
type Index struct {
	workdir       string
	userGlobalDir string
	forceRefresh  bool

	mu           sync.Mutex
	programmatic map[recordKey]ComponentRecord
	snap         atomic.Pointer[snapshot]
	dirty        atomic.Bool
}

type snapshot struct {
	records map[recordKey]ComponentRecord
	sources []Source
	env     map[string]string
	anchors []*Anchor
}

// Option configures an Index.
type Option func(*Index)

// WithUserGlobalDir overrides the user-global config directory
// (default $HOME/.aurite).
func WithUserGlobalDir(dir string) Option {
	return func(ix *Index) {
		ix.userGlobalDir = dir
	}
}

// WithForceRefresh overrides the refresh knob regardless of the
// environment variable.
func WithForceRefresh(force bool) Option {
	return func(ix *Index) {
		ix.forceRefresh = force
	}
}

// NewIndex builds an index rooted at workdir. The working directory's .env
// file is loaded before the first snapshot is built.
func NewIndex(workdir string, opts ...Option) (*Index, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	ix := &Index{
		workdir:      abs,
		forceRefresh: envBool(ForceRefreshEnv, true),
		programmatic: make(map[recordKey]ComponentRecord),
	}
	if home, err := os.UserHomeDir(); err == nil {
		ix.userGlobalDir = filepath.Join(home, ".aurite")
	}

	for _, opt := range opts {
		opt(ix)
	}

	if err := LoadEnvFiles(filepath.Join(abs, ".env")); err != nil {
		slog.Warn("Failed to load env file", "error", err)
	}

	if err := ix.Refresh(); err != nil {
		return nil, err
	}

	return ix, nil
}

// Refresh rebuilds and publishes a new snapshot.
func (ix *Index) Refresh() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.rebuildLocked()
}

func (ix *Index) rebuildLocked() error {
	anchors, err := DiscoverAnchors(ix.workdir)
	if err != nil {
		return fmt.Errorf("failed to discover anchor files: %w", err)
	}

	snap := &snapshot{
		records: make(map[recordKey]ComponentRecord),
		sources: sourcesFor(anchors, ix.userGlobalDir),
		env:     MergedEnv(anchors),
		anchors: anchors,
	}

	for _, source := range snap.sources {
		ix.indexSource(snap, source)
	}

	ix.snap.Store(snap)
	ix.dirty.Store(false)
	return nil
}

func (ix *Index) indexSource(snap *snapshot, source Source) {
	info, err := os.Stat(source.Path)
	if err != nil || !info.IsDir() {
		return
	}

	_ = filepath.WalkDir(source.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Failed to walk config directory", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			return nil
		}

		objects, err := parseComponentFile(path, ext)
		if err != nil {
			slog.Warn("Skipping unparseable component file", "file", path, "error", err)
			return nil
		}

		for _, body := range objects {
			id, _ := body["name"].(string)
			kindStr, _ := body["type"].(string)
			if id == "" || kindStr == "" {
				slog.Warn("Skipping component without name or type", "file", path)
				continue
			}
			kind := Kind(kindStr)
			if !validKind(kind) {
				slog.Warn("Skipping component with unknown type", "file", path, "type", kindStr)
				continue
			}

			key := recordKey{kind: kind, id: id}
			if existing, ok := snap.records[key]; ok {
				slog.Warn("Duplicate component, keeping first",
					"kind", kind, "id", id,
					"kept", existing.SourceFile, "ignored", path)
				continue
			}

			snap.records[key] = ComponentRecord{
				Kind:         kind,
				ID:           id,
				Body:         body,
				SourceFile:   path,
				ContextPath:  source.ContextPath,
				ContextLevel: source.ContextLevel,
			}
		}
		return nil
	})
}

func parseComponentFile(path, ext string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	unmarshal := yaml.Unmarshal
	if ext == ".json" {
		unmarshal = json.Unmarshal
	}

	var single map[string]any
	if err := unmarshal(data, &single); err == nil && single != nil {
		return []map[string]any{single}, nil
	}

	var many []map[string]any
	if err := unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("document is neither a component object nor a sequence: %w", err)
	}
	return many, nil
}

// current returns the live snapshot, rebuilding first when the refresh knob
// is on or a watcher marked the snapshot dirty.
func (ix *Index) current() *snapshot {
	if ix.forceRefresh || ix.dirty.Load() || ix.snap.Load() == nil {
		ix.mu.Lock()
		if ix.forceRefresh || ix.dirty.Load() || ix.snap.Load() == nil {
			if err := ix.rebuildLocked(); err != nil {
				slog.Warn("Config refresh failed, serving previous snapshot", "error", err)
			}
		}
		ix.mu.Unlock()
	}
	return ix.snap.Load()
}

// Env returns the merged anchor env sections (closest anchor wins).
func (ix *Index) Env() map[string]string {
	snap := ix.current()
	if snap == nil {
		return nil
	}
	return snap.env
}

// Sources returns the ordered source directory list of the live snapshot.
func (ix *Index) Sources() []Source {
	snap := ix.current()
	if snap == nil {
		return nil
	}
	return snap.sources
}

// Get returns the winning record for (kind, id). Programmatic records take
// priority over file-based ones.
func (ix *Index) Get(kind Kind, id string) (ComponentRecord, error) {
	key := recordKey{kind: kind, id: id}

	ix.mu.Lock()
	record, ok := ix.programmatic[key]
	ix.mu.Unlock()
	if ok {
		return record, nil
	}

	snap := ix.current()
	if snap != nil {
		if record, ok := snap.records[key]; ok {
			return record, nil
		}
	}

	return ComponentRecord{}, &NotFoundError{Kind: kind, ID: id}
}

// List returns all winning records of a kind.
func (ix *Index) List(kind Kind) []ComponentRecord {
	seen := make(map[string]bool)
	var records []ComponentRecord

	ix.mu.Lock()
	for key, record := range ix.programmatic {
		if key.kind == kind {
			records = append(records, record)
			seen[key.id] = true
		}
	}
	ix.mu.Unlock()

	snap := ix.current()
	if snap != nil {
		for key, record := range snap.records {
			if key.kind == kind && !seen[key.id] {
				records = append(records, record)
			}
		}
	}

	return records
}

// Register installs an in-memory component. The body must carry name and
// type. A duplicate programmatic (kind, id) fails with a conflict.
func (ix *Index) Register(body map[string]any) error {
	id, _ := body["name"].(string)
	kindStr, _ := body["type"].(string)
	if id == "" || kindStr == "" {
		return fmt.Errorf("programmatic component requires name and type")
	}
	kind := Kind(kindStr)
	if !validKind(kind) {
		return fmt.Errorf("unknown component type %q", kindStr)
	}

	key := recordKey{kind: kind, id: id}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.programmatic[key]; exists {
		return &ConflictError{Kind: kind, ID: id}
	}

	ix.programmatic[key] = ComponentRecord{
		Kind:         kind,
		ID:           id,
		Body:         body,
		ContextPath:  ix.workdir,
		ContextLevel: ContextProgrammatic,
	}
	return nil
}

// Watch invalidates the cached snapshot whenever a source directory
// changes. It blocks until ctx is cancelled.
func (ix *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	snap := ix.current()
	if snap != nil {
		for _, source := range snap.sources {
			if info, err := os.Stat(source.Path); err == nil && info.IsDir() {
				if err := watcher.Add(source.Path); err != nil {
					slog.Warn("Failed to watch config directory", "path", source.Path, "error", err)
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			slog.Debug("Config source changed", "path", event.Name, "op", event.Op.String())
			ix.dirty.Store(true)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

// ===== Typed getters =====

func decodeBody(body map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       workflowStepHook,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(body)
}

// workflowStepHook lets a linear workflow step appear as a bare string
// (shorthand for an agent step).
func workflowStepHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to == reflect.TypeOf(WorkflowStep{}) && from.Kind() == reflect.String {
		return map[string]any{"name": data, "type": string(KindAgent)}, nil
	}
	return data, nil
}

type validatable interface {
	SetDefaults()
	Validate() []FieldError
}

func getTyped[T any, PT interface {
	*T
	validatable
}](ix *Index, kind Kind, id string) (PT, ComponentRecord, error) {
	record, err := ix.Get(kind, id)
	if err != nil {
		return nil, ComponentRecord{}, err
	}

	cfg := PT(new(T))
	if err := decodeBody(record.Body, cfg); err != nil {
		return nil, record, &InvalidError{
			Kind: kind, ID: id,
			Fields: []FieldError{{Message: err.Error()}},
		}
	}
	cfg.SetDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, record, &InvalidError{Kind: kind, ID: id, Fields: errs}
	}
	return cfg, record, nil
}

// GetAgent returns the validated agent config.
func (ix *Index) GetAgent(id string) (*AgentConfig, error) {
	cfg, _, err := getTyped[AgentConfig](ix, KindAgent, id)
	return cfg, err
}

// GetLLM returns the validated llm config.
func (ix *Index) GetLLM(id string) (*LLMConfig, error) {
	cfg, _, err := getTyped[LLMConfig](ix, KindLLM, id)
	return cfg, err
}

// GetToolServer returns the validated tool server config with path fields
// resolved against the record's context directory.
func (ix *Index) GetToolServer(id string) (*ToolServerConfig, error) {
	cfg, record, err := getTyped[ToolServerConfig](ix, KindMCPServer, id)
	if err != nil {
		return nil, err
	}
	cfg.ServerPath = resolvePath(cfg.ServerPath, record.ContextPath)
	return cfg, nil
}

// GetLinearWorkflow returns the validated linear workflow config.
func (ix *Index) GetLinearWorkflow(id string) (*LinearWorkflowConfig, error) {
	cfg, _, err := getTyped[LinearWorkflowConfig](ix, KindLinearWorkflow, id)
	return cfg, err
}

// GetCustomWorkflow returns the validated custom workflow config with its
// module path resolved against the record's context directory.
func (ix *Index) GetCustomWorkflow(id string) (*CustomWorkflowConfig, error) {
	cfg, record, err := getTyped[CustomWorkflowConfig](ix, KindCustomWorkflow, id)
	if err != nil {
		return nil, err
	}
	cfg.ModulePath = resolvePath(cfg.ModulePath, record.ContextPath)
	return cfg, nil
}

// Validate checks one component and returns its structured field errors.
func (ix *Index) Validate(kind Kind, id string) ([]FieldError, error) {
	var err error
	switch kind {
	case KindAgent:
		_, err = ix.GetAgent(id)
	case KindLLM:
		_, err = ix.GetLLM(id)
	case KindMCPServer:
		_, err = ix.GetToolServer(id)
	case KindLinearWorkflow:
		_, err = ix.GetLinearWorkflow(id)
	case KindCustomWorkflow:
		_, err = ix.GetCustomWorkflow(id)
	default:
		return nil, fmt.Errorf("unknown component kind %q", kind)
	}

	if err == nil {
		return nil, nil
	}
	if invalid, ok := err.(*InvalidError); ok {
		return invalid.Fields, nil
	}
	return nil, err
}

// ValidationReport pairs a record with its validation outcome.
type ValidationReport struct {
	Kind   Kind         `json:"kind"`
	ID     string       `json:"id"`
	Errors []FieldError `json:"errors,omitempty"`
}

// ValidateAll validates every indexed component.
func (ix *Index) ValidateAll() ([]ValidationReport, error) {
	var reports []ValidationReport
	for _, kind := range Kinds() {
		for _, record := range ix.List(kind) {
			fields, err := ix.Validate(kind, record.ID)
			if err != nil {
				return nil, err
			}
			reports = append(reports, ValidationReport{
				Kind:   kind,
				ID:     record.ID,
				Errors: fields,
			})
		}
	}
	return reports, nil
}
