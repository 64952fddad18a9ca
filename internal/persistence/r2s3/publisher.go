package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	LastSuccessUnix    int64
	LastErrorUnix      int64
}

// Publisher uploads files below a local root to <prefix>/<relative path>
// using a fixed set of workers. Enqueue blocks when the queue is full: the
// builder would rather wait than drop a chunk.
type Publisher struct {
	client  *Client
	root    string
	prefix  string
	logger  *log.Logger
	attempt int
	backoff time.Duration

	jobs chan string
	wg   sync.WaitGroup

	enqueuedTotal      atomic.Uint64
	uploadSuccessTotal atomic.Uint64
	uploadFailTotal    atomic.Uint64
	lastSuccessUnix    atomic.Int64
	lastErrorUnix      atomic.Int64
}

func NewPublisher(client *Client, root, prefix string, workers int, logger *log.Logger) *Publisher {
	if workers <= 0 {
		workers = 1
	}
	p := &Publisher{
		client:  client,
		root:    root,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:  logger,
		attempt: 4,
		backoff: 200 * time.Millisecond,
		jobs:    make(chan string, workers*16),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for localPath := range p.jobs {
				p.uploadOne(localPath)
			}
		}()
	}
	return p
}

func (p *Publisher) Enqueue(localPath string) {
	if p == nil || p.client == nil {
		return
	}
	p.enqueuedTotal.Add(1)
	p.jobs <- localPath
}

// PublishTree enqueues every regular file below the root.
func (p *Publisher) PublishTree() error {
	if p == nil {
		return nil
	}
	return filepath.WalkDir(p.root, func(fp string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			p.Enqueue(fp)
		}
		return nil
	})
}

// Close drains the queue and returns the final counters.
func (p *Publisher) Close() Stats {
	if p == nil {
		return Stats{}
	}
	close(p.jobs)
	p.wg.Wait()
	return p.Stats()
}

func (p *Publisher) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(p.jobs),
		QueueCapacity:      cap(p.jobs),
		EnqueuedTotal:      p.enqueuedTotal.Load(),
		UploadSuccessTotal: p.uploadSuccessTotal.Load(),
		UploadFailTotal:    p.uploadFailTotal.Load(),
		LastSuccessUnix:    p.lastSuccessUnix.Load(),
		LastErrorUnix:      p.lastErrorUnix.Load(),
	}
}

func (p *Publisher) uploadOne(localPath string) {
	key, err := p.objectKey(localPath)
	if err != nil {
		p.uploadFailTotal.Add(1)
		p.printf("publish skip local=%s err=%v", localPath, err)
		return
	}
	if err := p.uploadWithRetry(key, localPath); err != nil {
		p.uploadFailTotal.Add(1)
		p.lastErrorUnix.Store(time.Now().UTC().Unix())
		p.printf("publish failed key=%s local=%s err=%v", key, localPath, err)
		return
	}
	p.uploadSuccessTotal.Add(1)
	p.lastSuccessUnix.Store(time.Now().UTC().Unix())
	p.printf("published key=%s", key)
}

func (p *Publisher) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempt; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := p.client.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < p.attempt {
			time.Sleep(time.Duration(attempt*attempt) * p.backoff)
		}
	}
	return lastErr
}

func (p *Publisher) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	absBase, err := filepath.Abs(p.root)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside %s", absLocal, absBase)
	}
	if p.prefix != "" {
		return path.Join(p.prefix, rel), nil
	}
	return rel, nil
}

func (p *Publisher) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
