package position

import (
	"sync"
	"time"
)

// Step is one scripted event of a Simulator: a reading, or an error when Err is set.
type Step struct {
	Reading Reading
	Err     error
	Delay   time.Duration
}

// Simulator replays a fixed script of readings and errors, for demos and tests.
type Simulator struct {
	steps []Step

	mu      sync.Mutex
	started bool
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewSimulator(steps ...Step) *Simulator {
	return &Simulator{steps: steps, done: make(chan struct{})}
}

func (s *Simulator) Start(onReading func(Reading), onError func(error)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrAlreadyStarted
	}
	s.started = true

	s.wg.Add(1)
	go s.run(onReading, onError)
	return stopFunc(s.stop), nil
}

// Wait blocks until the script is exhausted or the simulator is stopped.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

func (s *Simulator) run(onReading func(Reading), onError func(error)) {
	defer s.wg.Done()
	for _, step := range s.steps {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-s.done:
			return
		default:
		}
		if step.Err != nil {
			if onError != nil {
				onError(step.Err)
			}
			continue
		}
		if onReading != nil {
			onReading(step.Reading)
		}
	}
}

func (s *Simulator) stop() {
	s.once.Do(func() { close(s.done) })
}
