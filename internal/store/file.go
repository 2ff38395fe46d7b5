package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	bindingsFileMode = 0o600
	tempFilePattern  = ".chat_modes-*.yaml"
)

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

type fileSchema struct {
	Bindings map[string]map[string]string `yaml:"bindings"`
}

// FileStore keeps bindings in a hand-editable YAML file.
type FileStore struct {
	path string
	mu   *sync.RWMutex
	log  *zap.Logger
}

// NewFileStore returns a store backed by the file at path. The file is created on
// first write.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	return &FileStore{
		path: abs,
		mu:   lockForPath(abs),
		log:  logger.Named("file_store"),
	}, nil
}

func (s *FileStore) Get(ctx context.Context, identity, model string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.readSchema()
	if err != nil {
		return "", false, err
	}
	id, ok := file.Bindings[identity][model]
	return id, ok && id != "", nil
}

// Persist writes the binding through to disk before returning. An existing
// binding for the pair is left untouched.
func (s *FileStore) Persist(ctx context.Context, identity, model, modeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readSchema()
	if err != nil {
		return err
	}
	if existing := file.Bindings[identity][model]; existing != "" {
		s.log.Warn("Binding already present, keeping it.",
			zap.String("identity", identity), zap.String("model", model), zap.String("mode_id", existing))
		return nil
	}
	if file.Bindings[identity] == nil {
		file.Bindings[identity] = map[string]string{}
	}
	file.Bindings[identity][model] = modeID

	if err := s.writeSchema(file); err != nil {
		return err
	}
	s.log.Debug("Persisted binding.", zap.String("identity", identity), zap.String("model", model))
	return nil
}

func (s *FileStore) readSchema() (fileSchema, error) {
	file := fileSchema{Bindings: map[string]map[string]string{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return fileSchema{}, fmt.Errorf("read bindings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode bindings file: %w", err)
	}
	if file.Bindings == nil {
		file.Bindings = map[string]map[string]string{}
	}
	return file, nil
}

func (s *FileStore) writeSchema(file fileSchema) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode bindings file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create bindings directory: %w", err)
	}
	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp bindings file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp bindings file: %w", err)
	}
	if err := tempFile.Chmod(bindingsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp bindings file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp bindings file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp bindings file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace bindings file: %w", err)
	}
	cleanup = false
	return nil
}

// lockForPath shares one lock between every store opened on the same file.
func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()
	if mu, ok := pathLockMap[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
