package player

import (
	"sync"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
)

type MediaEventKind int

const (
	MediaReady MediaEventKind = iota
	MediaFailed
	MediaEnded
)

// MediaEvent is raised by a Media element. Load is the id passed to the Load
// call the event belongs to.
type MediaEvent struct {
	Kind MediaEventKind
	Load uint64
	Err  error
}

// Media is a local audio element. Load is asynchronous: it must return at
// once and later raise MediaReady or MediaFailed on Events.
type Media interface {
	Load(id uint64, t engine.Track)
	Unload()
	Position() float64
	Seek(pos float64)
	Playing() bool
	Play()
	Pause()
	Volume() float64
	SetVolume(v float64)
	Events() <-chan MediaEvent
}

// MediaStats counts calls made on a SimMedia.
type MediaStats struct {
	Loads, Seeks, Plays, Pauses, VolumeSets int
}

// SimMedia is a Media driven by a clock instead of a decoder. It backs the
// headless follower and tests.
type SimMedia struct {
	// LoadDelay is how long loads take. A negative delay leaves loads pending
	// until Complete or Fail is called.
	LoadDelay time.Duration
	// FailURLs makes loads of these urls fail.
	FailURLs map[string]error
	Now      func() time.Time

	mu      sync.Mutex
	track   engine.Track
	loadID  uint64
	playing bool
	base    float64   // position at since
	since   time.Time // when playback last (re)started
	volume  float64
	stats   MediaStats
	endT    *time.Timer
	events  chan MediaEvent
}

func NewSimMedia(loadDelay time.Duration) *SimMedia {
	return &SimMedia{
		LoadDelay: loadDelay,
		Now:       time.Now,
		volume:    1,
		events:    make(chan MediaEvent, 16),
	}
}

func (m *SimMedia) Events() <-chan MediaEvent { return m.events }

func (m *SimMedia) Load(id uint64, t engine.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopEnd()
	m.track = t
	m.loadID = id
	m.playing = false
	m.base = 0
	m.stats.Loads++

	if m.LoadDelay < 0 {
		return
	}
	err := m.FailURLs[t.FileURL]
	time.AfterFunc(m.LoadDelay, func() {
		if err != nil {
			m.Fail(id, err)
			return
		}
		m.Complete(id)
	})
}

// Complete raises MediaReady for load id.
func (m *SimMedia) Complete(id uint64) {
	m.events <- MediaEvent{Kind: MediaReady, Load: id}
}

// Fail raises MediaFailed for load id.
func (m *SimMedia) Fail(id uint64, err error) {
	m.events <- MediaEvent{Kind: MediaFailed, Load: id, Err: err}
}

func (m *SimMedia) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopEnd()
	m.track = engine.Track{}
	m.playing = false
	m.base = 0
}

func (m *SimMedia) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position()
}

func (m *SimMedia) position() float64 {
	pos := m.base
	if m.playing {
		pos += m.Now().Sub(m.since).Seconds()
	}
	if d := m.track.Duration; d > 0 && pos > d {
		pos = d
	}
	return pos
}

func (m *SimMedia) Seek(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Seeks++
	m.base = pos
	m.since = m.Now()
	m.armEnd()
}

func (m *SimMedia) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *SimMedia) Play() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Plays++
	if m.playing {
		return
	}
	m.since = m.Now()
	m.playing = true
	m.armEnd()
}

func (m *SimMedia) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Pauses++
	if !m.playing {
		return
	}
	m.base = m.position()
	m.playing = false
	m.stopEnd()
}

func (m *SimMedia) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

func (m *SimMedia) SetVolume(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.VolumeSets++
	m.volume = v
}

func (m *SimMedia) Stats() MediaStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// armEnd schedules MediaEnded for the current track. Caller holds mu.
func (m *SimMedia) armEnd() {
	m.stopEnd()
	if !m.playing || m.track.Duration <= 0 {
		return
	}
	left := time.Duration((m.track.Duration - m.position()) * float64(time.Second))
	id := m.loadID
	m.endT = time.AfterFunc(left, func() {
		m.mu.Lock()
		if m.loadID != id || !m.playing {
			m.mu.Unlock()
			return
		}
		m.base = m.track.Duration
		m.playing = false
		m.mu.Unlock()
		m.events <- MediaEvent{Kind: MediaEnded, Load: id}
	})
}

func (m *SimMedia) stopEnd() {
	if m.endT != nil {
		m.endT.Stop()
		m.endT = nil
	}
}
