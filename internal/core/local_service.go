package core

import (
	"context"
	"sync"

	"github.com/rfbdl/rfbdl/internal/download"
	"github.com/rfbdl/rfbdl/internal/engine/types"
)

// LocalDownloadService implements DownloadService on an in-process manager.
type LocalDownloadService struct {
	mgr *download.Manager

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// NewLocalDownloadService wraps mgr.
func NewLocalDownloadService(mgr *download.Manager) *LocalDownloadService {
	return &LocalDownloadService{mgr: mgr}
}

// Manager returns the wrapped manager.
func (s *LocalDownloadService) Manager() *download.Manager { return s.mgr }

func (s *LocalDownloadService) List() ([]types.TaskStatus, error) {
	return s.mgr.Snapshots(), nil
}

func (s *LocalDownloadService) Add(d types.Descriptor, force bool) (string, error) {
	t, err := s.mgr.AddTask(d.URL, d.Bucket, d.FileName, d.Size, force)
	if err != nil {
		return "", err
	}
	return t.ID(), nil
}

// Start launches a run and returns immediately. It fails with
// download.ErrAlreadyRunning while a previous run is still going.
func (s *LocalDownloadService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return download.ErrAlreadyRunning
		}
	}

	done := make(chan struct{})
	s.done = done
	s.err = nil
	go func() {
		err := s.mgr.StartAll(ctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

func (s *LocalDownloadService) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether a run started by Start has not finished yet.
func (s *LocalDownloadService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *LocalDownloadService) CancelAll() error {
	s.mgr.CancelAll()
	return nil
}

func (s *LocalDownloadService) ClearCompleted() (int, error) {
	return s.mgr.ClearCompleted(), nil
}

func (s *LocalDownloadService) Retry(id string) error {
	return s.mgr.Retry(id)
}

// StreamEvents subscribes to the manager's event bus. The subscription ends
// when ctx is done or the returned cleanup is called.
func (s *LocalDownloadService) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	ch, unsubscribe := s.mgr.Subscribe(types.EventChannelBuffer)
	stop := context.AfterFunc(ctx, unsubscribe)
	return ch, func() {
		stop()
		unsubscribe()
	}, nil
}

func (s *LocalDownloadService) Shutdown() error {
	s.mgr.CancelAll()
	err := s.Wait()
	s.mgr.Close()
	return err
}
