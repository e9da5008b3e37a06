package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Version is the protocol version written into every header.
const Version = 1

// HeaderSize is the length of [u16 length][u8 version][u8 flags][u16 command].
const HeaderSize = 6

var (
	ErrBadVersion     = errors.New("wire: unsupported version")
	ErrBadLength      = errors.New("wire: bad packet length")
	ErrUnknownCommand = errors.New("wire: unknown command")
)

// Command identifies a packet type.
type Command uint16

const (
	CmdHello       Command = 1
	CmdClaim       Command = 2
	CmdClientList  Command = 3
	CmdWelcome     Command = 4
	CmdNewMaster   Command = 5
	CmdStateInfo   Command = 6
	CmdDuplicate   Command = 7
	CmdClaimReject Command = 8
	CmdSignoff     Command = 9
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "hello"
	case CmdClaim:
		return "claim"
	case CmdClientList:
		return "client-list"
	case CmdWelcome:
		return "welcome"
	case CmdNewMaster:
		return "new-master"
	case CmdStateInfo:
		return "state-info"
	case CmdDuplicate:
		return "duplicate"
	case CmdClaimReject:
		return "claim-reject"
	case CmdSignoff:
		return "signoff"
	default:
		return fmt.Sprintf("command(%d)", uint16(c))
	}
}

// StateID identifies a replicated state blob.
type StateID uint16

const (
	StateTimers   StateID = 1
	StateIdleLog  StateID = 2
	StateActivity StateID = 3
	// StateMonitor carries the master's current activity reading.
	StateMonitor StateID = 4
)

func (id StateID) String() string {
	switch id {
	case StateTimers:
		return "timers"
	case StateIdleLog:
		return "idlelog"
	case StateActivity:
		return "activity"
	case StateMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("state(%d)", uint16(id))
	}
}

// ClientList flags.
const (
	ListForwardable  uint16 = 1
	ListIAmMaster    uint16 = 2
	ListHasMasterRef uint16 = 4
)

// Header is the fixed packet prefix.
type Header struct {
	Length  uint16
	Version uint8
	Flags   uint8
	Command Command
}

// Message is one of the typed packet payloads.
type Message interface {
	Command() Command
	encode(e *Encoder)
}

// PeerRef names a node by canonical name and listen port.
type PeerRef struct {
	Name string
	Port uint16
}

func (r PeerRef) String() string {
	return fmt.Sprintf("%s:%d", r.Name, r.Port)
}

type Hello struct {
	User     string
	Password string
	Name     string
	Port     uint16
	// Instance is optional; older peers omit it.
	Instance string
}

type Welcome struct {
	Name     string
	Port     uint16
	Instance string
}

type ClientList struct {
	Flags  uint16
	Master *PeerRef
	Peers  []PeerRef
	// Epoch is the sender's master epoch. Older peers omit it.
	Epoch uint16
}

type Claim struct {
	Count uint16
}

type ClaimReject struct{}

type NewMaster struct {
	Name  string
	Port  uint16
	Epoch uint16
}

type StateBlob struct {
	ID   StateID
	Data []byte
}

type StateInfo struct {
	States []StateBlob
}

type Duplicate struct{}

type Signoff struct {
	Name string
	Port uint16
}

func (Hello) Command() Command       { return CmdHello }
func (Welcome) Command() Command     { return CmdWelcome }
func (ClientList) Command() Command  { return CmdClientList }
func (Claim) Command() Command       { return CmdClaim }
func (ClaimReject) Command() Command { return CmdClaimReject }
func (NewMaster) Command() Command   { return CmdNewMaster }
func (StateInfo) Command() Command   { return CmdStateInfo }
func (Duplicate) Command() Command   { return CmdDuplicate }
func (Signoff) Command() Command     { return CmdSignoff }

func (m Hello) encode(e *Encoder) {
	e.PutString(m.User)
	e.PutString(m.Password)
	e.PutString(m.Name)
	e.PutU16(m.Port)
	if m.Instance != "" {
		e.PutString(m.Instance)
	}
}

func (m Welcome) encode(e *Encoder) {
	e.PutString(m.Name)
	e.PutU16(m.Port)
	if m.Instance != "" {
		e.PutString(m.Instance)
	}
}

func (m ClientList) encode(e *Encoder) {
	flags := m.Flags &^ ListHasMasterRef
	if m.Master != nil {
		flags |= ListHasMasterRef
	}
	e.PutU16(uint16(len(m.Peers)))
	e.PutU16(flags)
	if m.Master != nil {
		e.PutString(m.Master.Name)
		e.PutU16(m.Master.Port)
	}
	for _, p := range m.Peers {
		pos := e.Mark()
		e.PutString(p.Name)
		e.PutU16(p.Port)
		e.Patch(pos)
	}
	e.PutU16(m.Epoch)
}

func (m Claim) encode(e *Encoder) {
	e.PutU16(m.Count)
}

func (ClaimReject) encode(*Encoder) {}

func (m NewMaster) encode(e *Encoder) {
	e.PutString(m.Name)
	e.PutU16(m.Port)
	e.PutU16(m.Epoch)
}

func (m StateInfo) encode(e *Encoder) {
	e.PutU16(uint16(len(m.States)))
	for _, s := range m.States {
		if len(s.Data) > math.MaxUint16 {
			e.fail(fmt.Errorf("%w: state %v is %d bytes", ErrPacketTooLarge, s.ID, len(s.Data)))
			return
		}
		e.PutU16(uint16(len(s.Data)))
		e.PutU16(uint16(s.ID))
		e.PutRaw(s.Data)
	}
}

func (Duplicate) encode(*Encoder) {}

func (m Signoff) encode(e *Encoder) {
	e.PutString(m.Name)
	e.PutU16(m.Port)
}

// Marshal encodes m into a complete packet with a back-patched length.
func Marshal(m Message) ([]byte, error) {
	e := NewEncoder(64)
	e.PutU16(0)
	e.PutU8(Version)
	e.PutU8(0)
	e.PutU16(uint16(m.Command()))
	m.encode(e)
	if e.Len() > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %v is %d bytes", ErrPacketTooLarge, m.Command(), e.Len())
	}
	e.PokeU16(0, uint16(e.Len()))
	return e.Bytes()
}

// ParseHeader decodes the fixed prefix of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(b))
	}
	h := Header{
		Length:  binary.BigEndian.Uint16(b[0:2]),
		Version: b[2],
		Flags:   b[3],
		Command: Command(binary.BigEndian.Uint16(b[4:6])),
	}
	if int(h.Length) < HeaderSize {
		return h, fmt.Errorf("%w: %d", ErrBadLength, h.Length)
	}
	return h, nil
}

// Unmarshal decodes a complete packet.
func Unmarshal(b []byte) (Message, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(b) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrBadLength, h.Length, len(b))
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}

	d := NewDecoder(b[HeaderSize:])
	var m Message
	switch h.Command {
	case CmdHello:
		hello := Hello{User: d.Str(), Password: d.Str(), Name: d.Str(), Port: d.U16()}
		if d.Remaining() > 0 {
			hello.Instance = d.Str()
		}
		m = hello
	case CmdWelcome:
		welcome := Welcome{Name: d.Str(), Port: d.U16()}
		if d.Remaining() > 0 {
			welcome.Instance = d.Str()
		}
		m = welcome
	case CmdClientList:
		m = decodeClientList(d)
	case CmdClaim:
		var c Claim
		if d.Remaining() >= 2 {
			c.Count = d.U16()
		}
		m = c
	case CmdClaimReject:
		m = ClaimReject{}
	case CmdNewMaster:
		nm := NewMaster{Name: d.Str(), Port: d.U16()}
		if d.Remaining() >= 2 {
			nm.Epoch = d.U16()
		}
		m = nm
	case CmdStateInfo:
		m = decodeStateInfo(d)
	case CmdDuplicate:
		m = Duplicate{}
	case CmdSignoff:
		m = Signoff{Name: d.Str(), Port: d.U16()}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCommand, h.Command)
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode %v: %w", h.Command, err)
	}
	return m, nil
}

func decodeClientList(d *Decoder) ClientList {
	count := int(d.U16())
	l := ClientList{Flags: d.U16()}
	if l.Flags&ListHasMasterRef != 0 {
		l.Master = &PeerRef{Name: d.Str(), Port: d.U16()}
	}
	for i := 0; i < count && d.Err() == nil; i++ {
		size := int(d.U16())
		if size < 2 {
			d.fail(fmt.Errorf("%w: peer entry of %d bytes", ErrBadLength, size))
			break
		}
		entry := d.Sub(size - 2)
		ref := PeerRef{Name: entry.Str(), Port: entry.U16()}
		if entry.Err() != nil {
			break
		}
		l.Peers = append(l.Peers, ref)
	}
	if d.Err() == nil && d.Remaining() >= 2 {
		l.Epoch = d.U16()
	}
	return l
}

func decodeStateInfo(d *Decoder) StateInfo {
	count := int(d.U16())
	var info StateInfo
	for i := 0; i < count && d.Err() == nil; i++ {
		size := int(d.U16())
		id := StateID(d.U16())
		data := d.Raw(size)
		if d.Err() != nil {
			break
		}
		blob := make([]byte, len(data))
		copy(blob, data)
		info.States = append(info.States, StateBlob{ID: id, Data: blob})
	}
	return info
}

// ReadPacket reads one length-prefixed packet from r.
func ReadPacket(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(prefix[:]))
	if n < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	b := make([]byte, n)
	copy(b, prefix[:])
	if _, err := io.ReadFull(r, b[2:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}
