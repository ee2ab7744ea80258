package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/parlox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*Source)(nil)
	_ audio.Sink          = (*Sink)(nil)
	_ audio.Catalog       = (*catalog)(nil)
)

const (
	sourceBuffer = 64

	// DefaultFloorHold is how long the current speaker keeps the floor
	// after their last packet.
	DefaultFloorHold = 600 * time.Millisecond
)

// ErrClosed is returned by Sink.Play after the connection was closed.
var ErrClosed = errors.New("discord: connection closed")

// Option configures a [Connection].
type Option func(*Connection)

// WithUser restricts capture to a single Discord user id.
func WithUser(userID string) Option {
	return func(c *Connection) { c.user = userID }
}

// WithFloorHold overrides [DefaultFloorHold].
func WithFloorHold(d time.Duration) Option {
	return func(c *Connection) { c.floorHold = d }
}

// Connection is a joined voice channel. It exposes the channel audio as a
// remote capture source and the bot's own voice as an output sink.
//
// Discord delivers one Opus stream per participant and sends nothing while
// a participant is silent. The source follows one speaker at a time: the
// first participant to speak holds the floor until they have been silent for
// the floor hold. Gaps in the stream are filled with silence so that
// downstream voice-activity detection sees utterances end.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	channelID string
	user      string
	floorHold time.Duration

	sink *Sink

	// srcMu guards the attached source and the loop's exit state.
	srcMu   sync.Mutex
	source  *Source
	exited  bool
	loopErr error

	ssrcMu   sync.RWMutex
	ssrcUser map[uint32]string

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the voice connection. Replaced in tests.
	disconnectVC func() error
	// speaking sends the speaking flag. Replaced in tests.
	speaking func(bool) error
}

func newConnection(vc *discordgo.VoiceConnection, channelID string, opts ...Option) *Connection {
	c := &Connection{
		vc:           vc,
		channelID:    channelID,
		floorHold:    DefaultFloorHold,
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		speaking:     vc.Speaking,
	}
	for _, o := range opts {
		o(c)
	}
	c.sink = &Sink{conn: c}
	go c.recvLoop()
	return c
}

// SinkID returns the identifier of the channel's sink and source.
func (c *Connection) SinkID() string { return "discord:" + c.channelID }

// Source returns the remote capture source of the channel. Once the
// returned source has been closed, the next call attaches a fresh one, so a
// restarted session keeps listening without rejoining the channel.
func (c *Connection) Source() *Source {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	if c.source != nil && !c.source.detached() {
		return c.source
	}
	src := &Source{
		SourceBase: audio.NewSourceBase(audio.CaptureInfo{Kind: audio.SourceRemote, DeviceID: c.SinkID()}, sourceBuffer),
	}
	if c.exited {
		src.Finish(c.loopErr)
	}
	c.source = src
	return src
}

// attached returns the source frames are delivered to, if any.
func (c *Connection) attached() *Source {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	return c.source
}

// Sink returns the sink speaking into the channel.
func (c *Connection) Sink() *Sink { return c.sink }

// Catalog returns inner extended with the channel sink. With a nil inner
// the channel sink is also the default sink.
func (c *Connection) Catalog(inner audio.Catalog) audio.Catalog {
	return &catalog{inner: inner, sink: c.sink}
}

// Close leaves the voice channel and ends the attached source. It is
// idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// handleSpeaking records which user sends on which SSRC.
func (c *Connection) handleSpeaking(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	c.ssrcMu.Lock()
	defer c.ssrcMu.Unlock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
}

func (c *Connection) userOf(ssrc uint32) string {
	c.ssrcMu.RLock()
	defer c.ssrcMu.RUnlock()
	return c.ssrcUser[ssrc]
}

// recvLoop decodes the floor holder's packets into source frames and fills
// silent ticks with silence.
func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)
	silence := make([]byte, opusFrameBytes)
	tick := time.NewTicker(opusFrameSizeMs * time.Millisecond)
	defer tick.Stop()

	var (
		fl   = floor{hold: c.floorHold}
		cur  *Source
		ts   time.Duration
		sent bool // a frame was emitted since the last tick
	)
	emit := func(pcm []byte) {
		sent = true
		src := c.attached()
		if src != cur {
			if cur != nil {
				cur.Finish(nil)
			}
			cur, ts = src, 0
		}
		if cur == nil {
			return
		}
		f := audio.AudioFrame{Data: pcm, SampleRate: opusSampleRate, Channels: opusChannels, Timestamp: ts}
		ts += f.Duration()
		if !cur.Emit(f) {
			cur.Finish(nil)
		}
	}
	exit := func(err error) {
		c.srcMu.Lock()
		defer c.srcMu.Unlock()
		c.exited, c.loopErr = true, err
		if cur != nil && cur != c.source {
			cur.Finish(err)
		}
		if c.source != nil {
			c.source.Finish(err)
		}
	}

	for {
		select {
		case <-c.done:
			exit(nil)
			return

		case <-tick.C:
			if !sent {
				emit(silence)
			}
			sent = false

		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				exit(errors.New("discord: voice receive channel closed"))
				return
			}
			if pkt == nil {
				continue
			}
			if c.user != "" && c.userOf(pkt.SSRC) != c.user {
				continue
			}
			if !fl.take(pkt.SSRC, time.Now()) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newOpusDecoder(); err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			emit(pcm)
		}
	}
}

// floor tracks the participant whose audio the source follows.
type floor struct {
	hold time.Duration
	ssrc uint32
	seen time.Time
	held bool
}

// take reports whether a packet from ssrc received at now belongs to the
// floor holder, handing the floor over once the holder fell silent.
func (f *floor) take(ssrc uint32, now time.Time) bool {
	if f.held && f.ssrc != ssrc && now.Sub(f.seen) < f.hold {
		return false
	}
	if !f.held || f.ssrc != ssrc {
		slog.Debug("discord: speaker took the floor", "ssrc", ssrc)
	}
	f.ssrc, f.seen, f.held = ssrc, now, true
	return true
}

func (c *Connection) setSpeaking(b bool) {
	if c.speaking == nil {
		return
	}
	if err := c.speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "err", err)
	}
}

// ── Source ──────────────────────────────────────────────────────────────────

// Source is the remote capture source of a voice channel. Frames are 48 kHz
// stereo PCM. Closing it detaches it from the connection; the bot stays in
// the channel until [Connection.Close].
type Source struct {
	*audio.SourceBase
}

func (s *Source) detached() bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// ── Sink ────────────────────────────────────────────────────────────────────

// Sink speaks into the voice channel. Its output is never rendered on the
// local machine, so it reports itself as virtual.
type Sink struct {
	conn *Connection

	mu  sync.Mutex
	enc *opusEncoder
}

// ID implements [audio.Sink].
func (s *Sink) ID() string { return s.conn.SinkID() }

// Virtual implements [audio.Sink].
func (s *Sink) Virtual() bool { return true }

// Play implements [audio.Sink]. It encodes pcm to Opus, hands the packets
// to the voice connection and blocks for the playback duration.
func (s *Sink) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	select {
	case <-s.conn.done:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		enc, err := newOpusEncoder()
		if err != nil {
			return err
		}
		s.enc = enc
	}

	data := audio.ConvertPCM(pcm, format, voiceFormat)
	if rem := len(data) % opusFrameBytes; rem != 0 {
		data = append(data, make([]byte, opusFrameBytes-rem)...)
	}
	end := time.Now().Add(voiceFormat.Duration(len(data)))

	s.conn.setSpeaking(true)
	defer s.conn.setSpeaking(false)

	for off := 0; off < len(data); off += opusFrameBytes {
		opus, err := s.enc.encode(data[off : off+opusFrameBytes])
		if err != nil {
			return err
		}
		select {
		case s.conn.vc.OpusSend <- opus:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.conn.done:
			return ErrClosed
		}
	}

	// OpusSend is buffered; wait until the queued packets have been played.
	select {
	case <-time.After(time.Until(end)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.done:
		return ErrClosed
	}
}

// ── Catalog ─────────────────────────────────────────────────────────────────

type catalog struct {
	inner audio.Catalog
	sink  *Sink
}

func (c *catalog) Sink(id string) (audio.Sink, error) {
	if id == c.sink.ID() {
		return c.sink, nil
	}
	if c.inner == nil {
		return nil, audio.ErrDeviceNotFound
	}
	return c.inner.Sink(id)
}

func (c *catalog) DefaultSink() (audio.Sink, error) {
	if c.inner == nil {
		return c.sink, nil
	}
	return c.inner.DefaultSink()
}

func (c *catalog) Devices() ([]audio.Device, error) {
	var devs []audio.Device
	if c.inner != nil {
		var err error
		if devs, err = c.inner.Devices(); err != nil {
			return nil, err
		}
	}
	return append(devs, audio.Device{
		ID:      c.sink.ID(),
		Name:    "Discord voice channel",
		Input:   true,
		Output:  true,
		Virtual: true,
		Default: c.inner == nil,
	}), nil
}
