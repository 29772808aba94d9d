package downloader

import (
	"sync"
	"time"

	"magplay/internal/domain"
	"magplay/internal/transfer"
)

// Update is a live snapshot of one transfer, pushed to subscribers.
type Update struct {
	TransferID   int64                 `json:"transferId"`
	Status       domain.TransferStatus `json:"status"`
	Progress     float64               `json:"progress"`
	DownloadRate int64                 `json:"downloadRate"`
	UploadRate   int64                 `json:"uploadRate"`
	FilePath     string                `json:"filePath,omitempty"`
	Error        string                `json:"error,omitempty"`
	At           time.Time             `json:"at"`
}

type activeTransfer struct {
	id        int64
	mode      domain.TransferMode
	fileIndex int
	started   time.Time
	bound     chan struct{}

	mu         sync.Mutex
	ctl        *transfer.Transfer
	isBound    bool
	stopped    bool
	completing bool
	recorded   bool
	last       Update
}

func newActiveTransfer(id int64, mode domain.TransferMode, fileIndex int) *activeTransfer {
	return &activeTransfer{
		id:        id,
		mode:      mode,
		fileIndex: fileIndex,
		started:   time.Now(),
		bound:     make(chan struct{}),
		last: Update{
			TransferID: id,
			Status:     domain.TransferStatusPending,
		},
	}
}

// bind records the controller once the starter returns. It reports whether
// the transfer was already stopped while starting.
func (a *activeTransfer) bind(ctl *transfer.Transfer) bool {
	a.mu.Lock()
	if a.isBound {
		a.mu.Unlock()
		return false
	}
	a.ctl = ctl
	a.isBound = true
	stopped := a.stopped
	a.mu.Unlock()
	close(a.bound)
	return stopped && ctl != nil
}

func (a *activeTransfer) controller() *transfer.Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctl
}

// markStopped flags the transfer as stopped and reports whether the caller
// should record it. A stop seen before bind is recorded by bind's caller.
func (a *activeTransfer) markStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if !a.isBound || a.ctl == nil || a.recorded {
		return false
	}
	a.recorded = true
	return true
}

func (a *activeTransfer) markCompleting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completing || a.stopped {
		return false
	}
	a.completing = true
	return true
}

func (a *activeTransfer) terminalStatus() domain.TransferStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completing {
		return domain.TransferStatusCompleted
	}
	return domain.TransferStatusStopped
}

func (a *activeTransfer) update(fn func(u *Update)) Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.last)
	a.last.TransferID = a.id
	a.last.At = time.Now()
	return a.last
}

func (a *activeTransfer) snapshot() Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
