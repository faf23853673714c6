package services

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Direction of a queued mode change.
type Direction int

// Mode directions
const (
	DirAdd Direction = iota + 1
	DirDel
)

func (d Direction) sign() byte {
	if d == DirAdd {
		return '+'
	}
	return '-'
}

// Wire size constants used when projecting the length of a MODE line.
const (
	MaxLineLen = 512
	userLen    = 10
	hostLen    = 63
)

// Protocol sends commands on behalf of a service identity.
type Protocol interface {
	Mode(issuer, channel, modes string) error
	Join(issuer, channel, modes string) error
	Part(issuer, channel string) error
}

// Scheduler runs fn on a later iteration of the event loop.
type Scheduler interface {
	Defer(fn func())
}

// LineProtocol writes raw client-style lines to an io.Writer.
type LineProtocol struct {
	W io.Writer
}

// Mode implements Protocol.
func (p LineProtocol) Mode(issuer, channel, modes string) error {
	_, err := fmt.Fprintf(p.W, ":%s MODE %s %s\r\n", issuer, channel, modes)
	return err
}

// Join implements Protocol.
func (p LineProtocol) Join(issuer, channel, modes string) error {
	_, err := fmt.Fprintf(p.W, ":%s JOIN %s %s\r\n", issuer, channel, modes)
	return err
}

// Part implements Protocol.
func (p LineProtocol) Part(issuer, channel string) error {
	_, err := fmt.Fprintf(p.W, ":%s PART %s\r\n", issuer, channel)
	return err
}

type extSlot struct {
	used  bool
	value string
}

// modeBatch is the pending change set of one (issuer, channel) pair.
type modeBatch struct {
	issuer  string
	channel *LiveChannel

	on, off   ModeSet
	limit     uint32
	limitUsed bool
	ext       []extSlot
	pmodes    []byte
	params    []string

	totalLen   int
	paramsLen  int
	paramCount int
}

func (b *modeBatch) clear() {
	b.on, b.off = 0, 0
	b.limit, b.limitUsed = 0, false
	for i := range b.ext {
		b.ext[i] = extSlot{}
	}
	b.pmodes = b.pmodes[:0]
	b.params = b.params[:0]
	b.totalLen, b.paramsLen, b.paramCount = 0, 0, 0
}

func (b *modeBatch) calcLen() {
	name := ""
	if b.channel != nil {
		name = b.channel.Name
	}
	b.totalLen = len(b.issuer) + userLen + hostLen + 1 + 4 + 1 + 10 + len(name) + 1
	b.totalLen += 2 + 32 + len(b.pmodes)

	b.paramsLen = 0
	b.paramCount = 0
	if b.limitUsed {
		b.paramCount++
		if b.limit != 0 {
			b.paramsLen += 11
		}
	}
	for _, e := range b.ext {
		if e.used {
			b.paramCount++
			if e.value != "" {
				b.paramsLen += 1 + len(e.value)
			}
		}
	}
	for _, p := range b.params {
		b.paramsLen += 1 + len(p)
	}
	b.paramCount += len(b.params)
	b.totalLen += b.paramsLen
}

// lastDir returns the direction in effect at the end of pmodes.
func (b *modeBatch) lastDir() Direction {
	var dir Direction
	for _, c := range b.pmodes {
		switch c {
		case '+':
			dir = DirAdd
		case '-':
			dir = DirDel
		}
	}
	return dir
}

// ModeStack merges outgoing mode changes into as few MODE commands as the
// dialect and the line length allow. Only one batch is open at a time;
// touching another issuer or channel flushes it.
type ModeStack struct {
	// OnFlush, if set, is called with every command sent.
	OnFlush func(issuer, channel, modes string)
	// IsLocal reports whether a nick is one of ours; used before a rejoin.
	IsLocal func(nick string) bool

	dialect *Dialect
	proto   Protocol
	sched   Scheduler
	log     *slog.Logger

	batch   modeBatch
	pending bool
}

// NewModeStack creates a stack sending through proto. A nil sched flushes
// only on explicit calls.
func NewModeStack(d *Dialect, proto Protocol, sched Scheduler, logger *slog.Logger) *ModeStack {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModeStack{
		dialect: d,
		proto:   proto,
		sched:   sched,
		log:     logger.With("component", "modestack"),
		batch:   modeBatch{ext: make([]extSlot, len(d.ExtModes))},
	}
}

func (s *ModeStack) open(issuer string, ch *LiveChannel) *modeBatch {
	b := &s.batch
	if !CaseEqual(issuer, b.issuer) || ch != b.channel {
		s.flush()
		b.issuer = issuer
		b.channel = ch
	}
	return b
}

func (s *ModeStack) schedule() {
	if s.pending || s.sched == nil {
		return
	}
	s.pending = true
	s.sched.Defer(func() {
		s.flush()
		s.pending = false
	})
}

// AddSimple queues parameterless mode bits. Adding and removing the same bit
// cancel out, the last call winning.
func (s *ModeStack) AddSimple(issuer string, ch *LiveChannel, dir Direction, bits ModeSet) {
	bits &^= ModeKey | ModeLimit
	if bits == 0 {
		return
	}
	b := s.open(issuer, ch)
	switch dir {
	case DirAdd:
		b.on |= bits
		b.off &^= bits
	case DirDel:
		b.off |= bits
		b.on &^= bits
	default:
		s.log.Error("invalid direction for simple modes", "direction", int(dir))
		return
	}
	s.schedule()
}

// AddLimit queues a limit change. The value is ignored on removal.
func (s *ModeStack) AddLimit(issuer string, ch *LiveChannel, dir Direction, limit uint32) {
	b := s.open(issuer, ch)
	b.limitUsed = false
	b.calcLen()
	if b.paramCount >= s.dialect.MaxModes {
		s.flush()
	}
	switch dir {
	case DirAdd:
		if b.totalLen+11 > MaxLineLen {
			s.flush()
		}
		b.limit = limit
	case DirDel:
		b.limit = 0
	default:
		s.log.Error("invalid direction for limit", "direction", int(dir))
		return
	}
	b.limitUsed = true
	s.schedule()
}

// AddExtension queues a change of a dialect extension mode. value is only
// sent on removal for modes that take a parameter both ways; it should then be
// the value being removed.
func (s *ModeStack) AddExtension(issuer string, ch *LiveChannel, dir Direction, letter byte, value string) {
	idx := s.dialect.ExtIndex(letter)
	if idx < 0 {
		s.log.Error("unknown extension mode", "mode", string(letter), "value", value)
		return
	}
	b := s.open(issuer, ch)
	b.ext[idx].used = false
	if dir == DirDel && s.dialect.ExtModes[idx].ParamOnRemove {
		if value == "" {
			value = s.dialect.KeyRemovalParam
		}
		s.AddParam(issuer, ch, DirDel, letter, value)
		return
	}
	b.calcLen()
	if b.paramCount >= s.dialect.MaxModes {
		s.flush()
	}
	switch dir {
	case DirAdd:
		if b.totalLen+1+len(value) > MaxLineLen {
			s.flush()
		}
		b.ext[idx].value = value
	case DirDel:
		b.ext[idx].value = ""
	default:
		s.log.Error("invalid direction for extension mode", "direction", int(dir))
		return
	}
	b.ext[idx].used = true
	s.schedule()
}

// AddParam queues a mode that always carries a parameter: list modes, status
// modes and the key.
func (s *ModeStack) AddParam(issuer string, ch *LiveChannel, dir Direction, letter byte, value string) {
	b := s.open(issuer, ch)
	b.calcLen()
	last := b.lastDir()
	extra := 0
	if dir != last {
		extra = 1
	}
	if b.paramCount >= s.dialect.MaxModes ||
		b.totalLen+extra+2+len(value) > MaxLineLen ||
		(letter == 'k' && strings.IndexByte(string(b.pmodes), 'k') >= 0) {
		s.flush()
		last = 0
	}
	if dir != last {
		b.pmodes = append(b.pmodes, dir.sign())
	}
	b.pmodes = append(b.pmodes, letter)
	b.params = append(b.params, value)
	s.schedule()
}

// Flush sends the open batch, if any.
func (s *ModeStack) Flush() {
	s.flush()
}

// FlushChannel sends the open batch if it belongs to ch.
func (s *ModeStack) FlushChannel(ch *LiveChannel) {
	if ch == nil || ch == s.batch.channel {
		s.flush()
	}
}

// ForgetChannel discards the open batch if it belongs to ch.
func (s *ModeStack) ForgetChannel(ch *LiveChannel) {
	if ch == nil || ch == s.batch.channel {
		s.batch.clear()
	}
}

// FinalizeChannelDestroy handles a channel about to be destroyed. A pending
// removal of the permanent mode is delivered by joining the issuer, flushing
// and parting again; anything else is discarded.
func (s *ModeStack) FinalizeChannelDestroy(ch *LiveChannel) {
	if ch == nil || ch != s.batch.channel {
		return
	}
	perm := s.dialect.PermanentMode
	if perm == 0 || s.batch.off&perm == 0 {
		s.batch.clear()
		return
	}

	issuer := s.batch.issuer
	local := s.IsLocal == nil || s.IsLocal(issuer)
	s.log.Debug("flushing to clear permanent mode", "channel", ch.Name, "issuer", issuer)
	if local {
		if err := s.proto.Join(issuer, ch.Name, ch.ModeString(s.dialect, true)); err != nil {
			s.log.Error("rejoin failed", "channel", ch.Name, "issuer", issuer, "error", err)
		}
	}
	s.flush()
	if local {
		if err := s.proto.Part(issuer, ch.Name); err != nil {
			s.log.Error("part failed", "channel", ch.Name, "issuer", issuer, "error", err)
		}
	}
}

// FlushNow is Flush for callers that hold no reference to the channel, such
// as shutdown paths.
func (s *ModeStack) FlushNow() {
	s.flush()
	s.pending = false
}

func (s *ModeStack) flush() {
	b := &s.batch
	if b.channel == nil {
		b.clear()
		return
	}

	var out []byte
	var dir Direction
	setDir := func(d Direction) {
		if dir != d {
			dir = d
			out = append(out, d.sign())
		}
	}

	if b.off != 0 {
		setDir(DirDel)
		out = append(out, s.dialect.ModeLetters(b.off)...)
	}
	if b.limitUsed && b.limit == 0 {
		setDir(DirDel)
		out = append(out, 'l')
	}
	for i, e := range b.ext {
		if e.used && e.value == "" {
			setDir(DirDel)
			out = append(out, s.dialect.ExtModes[i].Letter)
		}
	}
	if b.on != 0 {
		setDir(DirAdd)
		out = append(out, s.dialect.ModeLetters(b.on)...)
	}
	if b.limitUsed && b.limit != 0 {
		setDir(DirAdd)
		out = append(out, 'l')
	}
	for i, e := range b.ext {
		if e.used && e.value != "" {
			setDir(DirAdd)
			out = append(out, s.dialect.ExtModes[i].Letter)
		}
	}
	pm := b.pmodes
	if len(pm) > 0 && ((dir == DirAdd && pm[0] == '+') || (dir == DirDel && pm[0] == '-')) {
		pm = pm[1:]
	}
	out = append(out, pm...)

	if len(out) == 0 {
		return
	}

	b.calcLen()
	if len(out)+b.paramsLen >= MaxLineLen {
		s.log.Error("mode batch overflow, discarding", "channel", b.channel.Name, "issuer", b.issuer,
			"modes", string(out), "params_len", b.paramsLen)
		b.clear()
		return
	}

	if b.limitUsed && b.limit != 0 {
		out = append(out, ' ')
		out = strconv.AppendUint(out, uint64(b.limit), 10)
	}
	for _, e := range b.ext {
		if e.used && e.value != "" {
			out = append(out, ' ')
			out = append(out, e.value...)
		}
	}
	for _, p := range b.params {
		out = append(out, ' ')
		out = append(out, p...)
	}

	modes := string(out)
	issuer, channel := b.issuer, b.channel.Name
	b.clear()

	if err := s.proto.Mode(issuer, channel, modes); err != nil {
		s.log.Error("sending mode failed", "channel", channel, "issuer", issuer, "modes", modes, "error", err)
	}
	if s.OnFlush != nil {
		s.OnFlush(issuer, channel, modes)
	}
}
