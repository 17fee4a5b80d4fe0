package signal

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/spot_scalper/internal/domain"
)

type candidatesFile struct {
	Candidates []domain.Candidate `yaml:"candidates"`
}

// FileSource serves candidates from a YAML file written by an external
// signal generator. The file is re-read when its modification time changes
// and every candidate is handed out at most once.
type FileSource struct {
	path   string
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	modTime time.Time
	pending map[string][]domain.Candidate
	served  map[string]bool
}

// NewFileSource reads path lazily. maxAge <= 0 disables the staleness check.
func NewFileSource(path string, maxAge time.Duration, logger *zap.Logger) *FileSource {
	return &FileSource{
		path:    path,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string][]domain.Candidate),
		served:  make(map[string]bool),
	}
}

func (s *FileSource) SignalFor(_ context.Context, pair string) (*domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadIfChanged(); err != nil {
		return nil, err
	}

	queue := s.pending[pair]
	for len(queue) > 0 {
		cand := queue[0]
		queue = queue[1:]
		s.served[candidateKey(cand)] = true

		if s.maxAge > 0 && !cand.CreatedAt.IsZero() && s.now().Sub(cand.CreatedAt) > s.maxAge {
			s.logger.Debug("Skipping stale candidate", zap.String("pair", pair), zap.Time("created_at", cand.CreatedAt))
			continue
		}
		s.pending[pair] = queue
		return &cand, nil
	}
	delete(s.pending, pair)
	return nil, nil
}

func (s *FileSource) reloadIfChanged() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat signal file: %w", err)
	}
	if info.ModTime().Equal(s.modTime) {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read signal file: %w", err)
	}
	var file candidatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse signal file %s: %w", s.path, err)
	}

	pending := make(map[string][]domain.Candidate)
	for _, c := range file.Candidates {
		c.Pair = strings.ToUpper(strings.TrimSpace(c.Pair))
		c.Direction = domain.Direction(strings.ToUpper(string(c.Direction)))
		if c.Pair == "" {
			continue
		}
		if c.Direction == "" {
			c.Direction = domain.DirectionLong
		}
		if s.served[candidateKey(c)] {
			continue
		}
		pending[c.Pair] = append(pending[c.Pair], c)
	}

	s.pending = pending
	s.modTime = info.ModTime()
	s.logger.Info("Signal file loaded", zap.String("path", s.path), zap.Int("candidates", len(file.Candidates)))
	return nil
}

func candidateKey(c domain.Candidate) string {
	return c.Pair + "|" + string(c.Direction) + "|" + c.CreatedAt.UTC().Format(time.RFC3339Nano)
}
