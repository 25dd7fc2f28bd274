package engine

import (
	"sync"

	"github.com/drand/fairdraw/draw"
)

type callbackManager struct {
	sync.Mutex
	callbacks map[string]func(*draw.Round)
	stop      chan bool
	newCb     chan callback
}

const callbackRoutines int = 5
const callbackChanBufferSize = 100

func newCallbackManager() *callbackManager {
	s := &callbackManager{
		callbacks: make(map[string]func(*draw.Round)),
		newCb:     make(chan callback, callbackChanBufferSize),
		stop:      make(chan bool),
	}
	for i := 0; i < callbackRoutines; i++ {
		go s.runWorker()
	}
	return s
}

// AddCallback stores the given callback. It will be called for each round
// reaching Fulfilled, Settled or Cancelled. If a callback already exists
// under the id, it is overwritten.
func (s *callbackManager) AddCallback(id string, fn func(*draw.Round)) {
	s.Lock()
	defer s.Unlock()
	s.callbacks[id] = fn
}

func (s *callbackManager) DelCallback(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.callbacks, id)
}

func (s *callbackManager) NewRound(r *draw.Round) {
	s.Lock()
	defer s.Unlock()
	for _, cb := range s.callbacks {
		s.newCb <- callback{
			round: r,
			cb:    cb,
		}
	}
}

func (s *callbackManager) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

type callback struct {
	cb    func(*draw.Round)
	round *draw.Round
}

func (s *callbackManager) runWorker() {
	for {
		select {
		case cbd := <-s.newCb:
			cbd.cb(cbd.round)
		case <-s.stop:
			return
		}
	}
}
