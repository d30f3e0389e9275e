package display

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/example/classify-pipeline/internal/pipeline"
)

// MaxNotices bounds the number of notices a Board keeps.
const MaxNotices = 16

// Notice is a transient user-visible message.
type Notice struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is what the board currently shows.
type State struct {
	Result           *pipeline.Result `json:"result,omitempty"`
	FrameInfo        string           `json:"frame_info,omitempty"`
	CropInfo         string           `json:"crop_info,omitempty"`
	CameraResolution string           `json:"camera_resolution,omitempty"`
	Rotation         string           `json:"rotation,omitempty"`
	Inference        string           `json:"inference,omitempty"`
	Notices          []Notice         `json:"notices"`
	Shown            uint64           `json:"shown"`
}

// Board is the result sink. Writes come from the interactive loop; Snapshot
// may be called from any goroutine.
type Board struct {
	mu    sync.RWMutex
	state State
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{state: State{Notices: []Notice{}}}
}

// ShowResult renders r.
func (b *Board) ShowResult(r pipeline.Result) {
	crop := min(r.ImageWidth, r.ImageHeight)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Result = &r
	b.state.FrameInfo = fmt.Sprintf("%dx%d", r.ImageWidth, r.ImageHeight)
	b.state.CropInfo = fmt.Sprintf("%dx%d", r.InputWidth, r.InputHeight)
	b.state.CameraResolution = fmt.Sprintf("%dx%d", crop, crop)
	b.state.Rotation = strconv.Itoa(r.Orientation)
	b.state.Inference = fmt.Sprintf("%dms", r.ElapsedMs)
	b.state.Shown++
}

// Notify appends a notice, dropping the oldest past MaxNotices.
func (b *Board) Notify(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Notices = append(b.state.Notices, Notice{Message: message, At: time.Now().UTC()})
	if n := len(b.state.Notices); n > MaxNotices {
		b.state.Notices = append([]Notice(nil), b.state.Notices[n-MaxNotices:]...)
	}
}

// Snapshot returns a copy of the current state.
func (b *Board) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.state
	s.Notices = append([]Notice{}, b.state.Notices...)
	if b.state.Result != nil {
		r := *b.state.Result
		s.Result = &r
	}
	return s
}

// Notifier delivers notices to a board on the interactive loop.
type Notifier struct {
	Loop  *Loop
	Board *Board
}

// Notify posts the notice; it never blocks.
func (n Notifier) Notify(message string) {
	n.Loop.Post(func() { n.Board.Notify(message) })
}
