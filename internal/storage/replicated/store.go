// Package replicated fans blob writes out to several replicas and accepts a
// write once a quorum of them has stored it.
package replicated

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/metrics"
)

// Replica is one named blob store.
type Replica struct {
	Name  string
	Store crawler.BlobStore
}

// Config controls quorum and per-replica timeouts.
type Config struct {
	// Quorum is the number of replicas that must accept a write (default 1).
	Quorum int
	// Timeout bounds each replica call; zero means no bound beyond ctx.
	Timeout time.Duration
}

// Store implements crawler.BlobStore over a set of replicas.
type Store struct {
	replicas []Replica
	quorum   int
	timeout  time.Duration
	logger   *zap.Logger
}

// New builds a Store. The quorum must not exceed the replica count.
func New(cfg Config, logger *zap.Logger, replicas ...Replica) (*Store, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("at least one replica is required")
	}
	for i, r := range replicas {
		if r.Store == nil {
			return nil, fmt.Errorf("replica %d (%s) has no store", i, r.Name)
		}
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = 1
	}
	if cfg.Quorum > len(replicas) {
		return nil, fmt.Errorf("quorum %d exceeds %d replicas", cfg.Quorum, len(replicas))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		replicas: append([]Replica(nil), replicas...),
		quorum:   cfg.Quorum,
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

// Quorum returns the configured write quorum.
func (s *Store) Quorum() int { return s.quorum }

type putResult struct {
	uri string
	err error
}

// PutObject writes data to every replica concurrently and returns the URI of
// the first replica (in configuration order) that accepted it. Fewer than
// quorum acceptances yield a *crawler.StorageQuorumError.
func (s *Store) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read blob %s: %w", path, err)
	}

	results := make([]putResult, len(s.replicas))
	var g errgroup.Group
	for i, replica := range s.replicas {
		g.Go(func() error {
			rctx, cancel := s.replicaContext(ctx)
			defer cancel()
			uri, err := replica.Store.PutObject(rctx, path, contentType, bytes.NewReader(payload))
			results[i] = putResult{uri: uri, err: err}
			metrics.ObserveReplicaWrite(replica.Name, err)
			return nil
		})
	}
	_ = g.Wait()

	var (
		accepted int
		first    string
		errs     []error
	)
	for i, res := range results {
		if res.err != nil {
			s.logger.Warn("blob replica write failed",
				zap.String("replica", s.replicas[i].Name),
				zap.String("path", path),
				zap.Error(res.err))
			errs = append(errs, fmt.Errorf("replica %s: %w", s.replicas[i].Name, res.err))
			continue
		}
		accepted++
		if first == "" {
			first = res.uri
		}
	}
	if accepted < s.quorum {
		return "", &crawler.StorageQuorumError{Path: path, Accepted: accepted, Required: s.quorum, Errs: errs}
	}
	return first, nil
}

// Exists reports whether at least quorum replicas hold path. Replica errors
// count as absent.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	found := make([]bool, len(s.replicas))
	var g errgroup.Group
	for i, replica := range s.replicas {
		g.Go(func() error {
			rctx, cancel := s.replicaContext(ctx)
			defer cancel()
			ok, err := replica.Store.Exists(rctx, path)
			if err != nil {
				s.logger.Debug("blob replica stat failed",
					zap.String("replica", replica.Name),
					zap.String("path", path),
					zap.Error(err))
				return nil
			}
			found[i] = ok
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("stat blob %s: %w", path, err)
	}

	present := 0
	for _, ok := range found {
		if ok {
			present++
		}
	}
	return present >= s.quorum, nil
}

func (s *Store) replicaContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
