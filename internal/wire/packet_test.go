package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestMarshal_HeaderBackPatched(t *testing.T) {
	t.Parallel()

	b, err := Marshal(NewMaster{Name: "desk", Port: 27273, Epoch: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	h, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if int(h.Length) != len(b) {
		t.Fatalf("length=%d len=%d", h.Length, len(b))
	}
	if h.Version != Version || h.Command != CmdNewMaster {
		t.Fatalf("header=%+v", h)
	}
	// name(2+4) port(2) epoch(2)
	if len(b) != HeaderSize+10 {
		t.Fatalf("len=%d", len(b))
	}
}

func TestUnmarshal_ClientListWithMasterRef(t *testing.T) {
	t.Parallel()

	in := ClientList{
		Flags:  ListForwardable,
		Master: &PeerRef{Name: "laptop", Port: 4224},
		Peers:  []PeerRef{{Name: "desk", Port: 27273}, {Name: "laptop", Port: 4224}},
		Epoch:  9,
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, ok := msg.(ClientList)
	if !ok {
		t.Fatalf("msg=%T", msg)
	}
	if out.Flags != ListForwardable|ListHasMasterRef {
		t.Fatalf("flags=%d", out.Flags)
	}
	if out.Master == nil || *out.Master != *in.Master {
		t.Fatalf("master=%v", out.Master)
	}
	if len(out.Peers) != 2 || out.Peers[1] != in.Peers[1] {
		t.Fatalf("peers=%v", out.Peers)
	}
	if out.Epoch != 9 {
		t.Fatalf("epoch=%d", out.Epoch)
	}

	// Without the trailing epoch the list still decodes.
	short := append([]byte(nil), b[:len(b)-2]...)
	short[0], short[1] = byte(len(short)>>8), byte(len(short))
	msg, err = Unmarshal(short)
	if err != nil {
		t.Fatalf("Unmarshal short: %v", err)
	}
	if out := msg.(ClientList); out.Epoch != 0 || len(out.Peers) != 2 {
		t.Fatalf("short=%+v", out)
	}
}

func TestUnmarshal_HelloWithoutInstance(t *testing.T) {
	t.Parallel()

	b, err := Marshal(Hello{User: "u", Password: "p", Name: "desk", Port: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	hello := msg.(Hello)
	if hello.Instance != "" || hello.Name != "desk" || hello.Port != 1 {
		t.Fatalf("hello=%+v", hello)
	}

	b, err = Marshal(Hello{Name: "desk", Port: 1, Instance: "abc"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err = Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := msg.(Hello).Instance; got != "abc" {
		t.Fatalf("instance=%q", got)
	}
}

func TestUnmarshal_StateInfoCopiesBlobs(t *testing.T) {
	t.Parallel()

	b, err := Marshal(StateInfo{States: []StateBlob{
		{ID: StateTimers, Data: []byte{1, 2, 3}},
		{ID: StateIdleLog, Data: nil},
	}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	info := msg.(StateInfo)
	if len(info.States) != 2 {
		t.Fatalf("states=%d", len(info.States))
	}
	b[len(b)-1] = 0xff
	if !bytes.Equal(info.States[0].Data, []byte{1, 2, 3}) {
		t.Fatalf("data=%v", info.States[0].Data)
	}
	if info.States[1].ID != StateIdleLog || len(info.States[1].Data) != 0 {
		t.Fatalf("second=%+v", info.States[1])
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	t.Parallel()

	b, err := Marshal(Welcome{Name: "desk", Port: 27273})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	short := append([]byte(nil), b[:len(b)-3]...)
	binary.BigEndian.PutUint16(short, uint16(len(short)))
	if _, err := Unmarshal(short); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("err=%v", err)
	}
	if _, err := Unmarshal(b[:len(b)-1]); !errors.Is(err, ErrBadLength) {
		t.Fatalf("err=%v", err)
	}
}

func TestUnmarshal_RejectsVersionAndCommand(t *testing.T) {
	t.Parallel()

	b, err := Marshal(Duplicate{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	bad := append([]byte(nil), b...)
	bad[2] = 2
	if _, err := Unmarshal(bad); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("err=%v", err)
	}

	bad = append([]byte(nil), b...)
	binary.BigEndian.PutUint16(bad[4:], 99)
	if _, err := Unmarshal(bad); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err=%v", err)
	}
}

func TestMarshal_OversizedString(t *testing.T) {
	t.Parallel()

	_, err := Marshal(Welcome{Name: string(make([]byte, 70000))})
	if !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("err=%v", err)
	}
}

func TestReadPacket_Stream(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	for _, m := range []Message{Claim{}, ClaimReject{}, Signoff{Name: "desk", Port: 9}} {
		b, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		stream.Write(b)
	}

	var got []Command
	for {
		pkt, err := ReadPacket(&stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		msg, err := Unmarshal(pkt)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		got = append(got, msg.Command())
	}
	if len(got) != 3 || got[0] != CmdClaim || got[2] != CmdSignoff {
		t.Fatalf("got=%v", got)
	}

	if _, err := ReadPacket(bytes.NewReader([]byte{0, 20, 1})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecoder_SubStopsAtBoundary(t *testing.T) {
	t.Parallel()

	e := NewEncoder(16)
	pos := e.Mark()
	e.PutU32(42)
	e.Patch(pos)
	e.PutU8(9)
	b, err := e.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	d := NewDecoder(b)
	n := int(d.U16())
	sub := d.Sub(n - 2)
	if v := sub.U32(); v != 42 {
		t.Fatalf("v=%d", v)
	}
	sub.U8()
	if !errors.Is(sub.Err(), ErrShortBuffer) {
		t.Fatalf("sub err=%v", sub.Err())
	}
	if v := d.U8(); v != 9 || d.Err() != nil {
		t.Fatalf("v=%d err=%v", v, d.Err())
	}
}
